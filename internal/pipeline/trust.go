package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/models"
	"github.com/cararth/listing-ingestion-service/internal/providers"
	"github.com/cararth/listing-ingestion-service/internal/spend"
)

const (
	trustSkipConfidence = 0.85
	trustUnchecked      = 0.9
	trustFallback       = 0.8
)

const trustPrompt = `Analyze this car listing for fraud indicators and authenticity.

Listing Data:
- Title: %s
- Price: ₹%d
- Year: %d
- Make/Model: %s %s
- Mileage: %d km
- City: %s
- Images: %d images
- Contact: %s

Check for:
1. Price vs market value (too low = suspicious)
2. Mileage vs age correlation
3. Contact info authenticity
4. Title/description quality
5. Image availability

Return JSON:
{
    "trust_score": 0.85,
    "fraud_reasons": ["reason if suspicious"],
    "validation_notes": "brief analysis"
}`

// TrustVerdict is the authenticity assessment of a listing
type TrustVerdict struct {
	Score        float64
	FraudReasons []string
	Notes        string
	Checked      bool
}

type trustReply struct {
	TrustScore      *float64 `json:"trust_score"`
	FraudReasons    []string `json:"fraud_reasons"`
	ValidationNotes string   `json:"validation_notes"`
}

// TrustEvaluator scores fraud risk for expensive or weakly extracted listings
type TrustEvaluator struct {
	provider         providers.Completer
	tracker          *spend.Tracker
	premiumThreshold int64
	logger           *zap.Logger
}

// NewTrustEvaluator creates the evaluator
func NewTrustEvaluator(provider providers.Completer, tracker *spend.Tracker, premiumThreshold int64, logger *zap.Logger) *TrustEvaluator {
	return &TrustEvaluator{
		provider:         provider,
		tracker:          tracker,
		premiumThreshold: premiumThreshold,
		logger:           logger,
	}
}

// Evaluate returns the trust verdict. Cheap, well-extracted listings get
// 0.9 without a call; any provider failure degrades to 0.8.
func (t *TrustEvaluator) Evaluate(ctx context.Context, sourceID string, n models.NormalizedListing, confidence float64) Result[TrustVerdict] {
	if n.PriceValue() < t.premiumThreshold && confidence >= trustSkipConfidence {
		return succeeded(TrustVerdict{Score: trustUnchecked})
	}

	fallback := TrustVerdict{Score: trustFallback, FraudReasons: []string{}}
	if t.provider == nil {
		return degraded(fallback, eris.New("trust provider not configured"))
	}

	prompt := fmt.Sprintf(trustPrompt, n.Title, n.PriceValue(), n.Year, n.Make, n.Model, n.Mileage, n.City, len(n.Images), n.Contact)
	reply, err := t.provider.Complete(ctx, "", prompt)
	if err == nil {
		var parsed trustReply
		if err = providers.ExtractJSON(reply, &parsed); err == nil && parsed.TrustScore == nil {
			err = eris.New("reply has no trust_score")
		}
		if err == nil {
			t.tracker.Record(ctx, spend.Anthropic, spend.CostAnthropic)
			return succeeded(TrustVerdict{
				Score:        models.ClampScore(*parsed.TrustScore),
				FraudReasons: parsed.FraudReasons,
				Notes:        parsed.ValidationNotes,
				Checked:      true,
			})
		}
	}

	t.logger.Warn("trust: validation failed, using default",
		zap.String("source_id", sourceID),
		zap.String("provider", spend.Anthropic),
		zap.Error(err),
	)
	return degraded(fallback, err)
}
