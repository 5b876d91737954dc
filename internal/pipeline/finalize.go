package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/models"
	"github.com/cararth/listing-ingestion-service/internal/providers"
	"github.com/cararth/listing-ingestion-service/internal/spend"
)

const (
	defaultBandConfidence = 0.7
	defaultTrustCap       = 0.85
	heuristicTrust        = 0.75
	defaultSummary        = "Standard listing"
)

const finalizeSystemPrompt = "You are an expert car market analyst specializing in Indian used car market."

const finalizePrompt = `As a car market expert, provide final validation for this listing:

Car Details:
- Title: %s
- Price: ₹%d
- Year: %d
- Make/Model: %s %s
- Mileage: %d km
- Location: %s
- Images: %d available
%s
Provide final assessment:
1. Should this listing be published?
2. Market price analysis
3. Brief buyer-ready summary
4. Overall trust score

Return JSON:
{
    "approve": true/false,
    "price_band": {
        "low": 000000,
        "median": 000000,
        "high": 000000,
        "confidence": 0.85
    },
    "summary": "2-3 sentence buyer summary",
    "final_trust_score": 0.85,
    "reasoning": "brief explanation"
}`

// Decision is the publish verdict for one listing
type Decision struct {
	Approve    bool
	PriceBand  models.PriceBand
	Summary    string
	TrustScore float64
	Reasoning  string
	Escalated  bool
}

type finalizeReply struct {
	Approve   *bool `json:"approve"`
	PriceBand *struct {
		Low        *float64 `json:"low"`
		Median     *float64 `json:"median"`
		High       *float64 `json:"high"`
		Confidence *float64 `json:"confidence"`
	} `json:"price_band"`
	Summary         string   `json:"summary"`
	FinalTrustScore *float64 `json:"final_trust_score"`
	Reasoning       string   `json:"reasoning"`
}

// Finalizer decides approval, escalating to the premium provider when value,
// trust or duplication risk warrants it and budget allows
type Finalizer struct {
	provider         providers.Completer
	tracker          *spend.Tracker
	premiumThreshold int64
	trustPublish     float64
	minPublishPrice  int64
	logger           *zap.Logger
}

// NewFinalizer creates the finalizer
func NewFinalizer(provider providers.Completer, tracker *spend.Tracker, premiumThreshold int64, trustPublish float64, minPublishPrice int64, logger *zap.Logger) *Finalizer {
	return &Finalizer{
		provider:         provider,
		tracker:          tracker,
		premiumThreshold: premiumThreshold,
		trustPublish:     trustPublish,
		minPublishPrice:  minPublishPrice,
		logger:           logger,
	}
}

// DefaultBand is price ±5% with the median at price
func DefaultBand(price int64) models.PriceBand {
	return models.PriceBand{
		Low:        price * 95 / 100,
		Median:     price,
		High:       price * 105 / 100,
		Confidence: defaultBandConfidence,
	}
}

// NeedsEscalation reports whether a listing warrants the premium provider
func (f *Finalizer) NeedsEscalation(n models.NormalizedListing, trust float64, duplicates []string) bool {
	return n.PriceValue() >= f.premiumThreshold || trust < f.trustPublish || len(duplicates) > 0
}

// Finalize returns the decision. Without escalation the default decision
// approves; a failed escalation falls back to a price-floor heuristic.
func (f *Finalizer) Finalize(ctx context.Context, sourceID string, n models.NormalizedListing, trust float64, duplicates []string) Result[Decision] {
	price := n.PriceValue()

	if !f.NeedsEscalation(n, trust, duplicates) || f.provider == nil || !f.tracker.Reserve(spend.Premium, spend.CostPremium) {
		return succeeded(Decision{
			Approve:    true,
			PriceBand:  DefaultBand(price),
			Summary:    defaultSummary,
			TrustScore: models.ClampScore(min(defaultTrustCap, trust)),
		})
	}

	decision, err := f.escalate(ctx, n, duplicates)
	if err != nil {
		f.tracker.Release(spend.Premium, spend.CostPremium)
		f.logger.Warn("finalize: premium validation failed, using heuristic",
			zap.String("source_id", sourceID),
			zap.String("provider", spend.Premium),
			zap.Error(err),
		)
		return degraded(f.heuristic(n), err)
	}
	f.tracker.Commit(ctx, spend.Premium, spend.CostPremium)
	return succeeded(decision)
}

func (f *Finalizer) escalate(ctx context.Context, n models.NormalizedListing, duplicates []string) (Decision, error) {
	similar := ""
	if len(duplicates) > 0 {
		similar = fmt.Sprintf("Similar listings found: %d matches (potential duplicates)\n", len(duplicates))
	}
	prompt := fmt.Sprintf(finalizePrompt, n.Title, n.PriceValue(), n.Year, n.Make, n.Model, n.Mileage, n.City, len(n.Images), similar)

	reply, err := f.provider.Complete(ctx, finalizeSystemPrompt, prompt)
	if err != nil {
		return Decision{}, err
	}
	var parsed finalizeReply
	if err := providers.ExtractJSON(reply, &parsed); err != nil {
		return Decision{}, err
	}
	if parsed.Approve == nil {
		return Decision{}, eris.New("reply has no approve field")
	}

	// Partial replies keep the default band and the heuristic trust
	decision := Decision{
		Approve:    *parsed.Approve,
		PriceBand:  DefaultBand(n.PriceValue()),
		Summary:    strings.TrimSpace(parsed.Summary),
		TrustScore: heuristicTrust,
		Reasoning:  parsed.Reasoning,
		Escalated:  true,
	}
	if b := parsed.PriceBand; b != nil {
		if b.Low != nil {
			decision.PriceBand.Low = int64(*b.Low)
		}
		if b.Median != nil {
			decision.PriceBand.Median = int64(*b.Median)
		}
		if b.High != nil {
			decision.PriceBand.High = int64(*b.High)
		}
		if b.Confidence != nil {
			decision.PriceBand.Confidence = models.ClampScore(*b.Confidence)
		}
	}
	if parsed.FinalTrustScore != nil {
		decision.TrustScore = models.ClampScore(*parsed.FinalTrustScore)
	}
	if decision.Summary == "" {
		decision.Summary = defaultSummary
	}
	return decision, nil
}

func (f *Finalizer) heuristic(n models.NormalizedListing) Decision {
	year := ""
	if n.Year > 0 {
		year = fmt.Sprint(n.Year)
	}
	return Decision{
		Approve:    n.PriceValue() > f.minPublishPrice,
		PriceBand:  DefaultBand(n.PriceValue()),
		Summary:    fmt.Sprintf("Used %s %s from %s. Priced at market rate.", n.Make, n.Model, year),
		TrustScore: heuristicTrust,
	}
}
