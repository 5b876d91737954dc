package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/models"
	"github.com/cararth/listing-ingestion-service/internal/providers"
	"github.com/cararth/listing-ingestion-service/internal/spend"
)

const fallbackContentLimit = 5000

const fallbackPrompt = `Extract car listing information from this content. Return JSON format:

Content:
%s

Fields already extracted:
%s

Extract:
{
    "title": "car title",
    "price": "price in rupees",
    "year": "year as integer",
    "mileage": "mileage as integer",
    "make": "car brand/make",
    "model": "car model",
    "fuel_type": "petrol/diesel/cng/electric",
    "transmission": "manual/automatic",
    "city": "city name",
    "images": ["image urls"],
    "contact": "phone or contact info"
}

Return only valid JSON, no other text.`

// FallbackExtractor re-derives fields for weak records with a secondary provider
type FallbackExtractor struct {
	provider providers.Completer
	tracker  *spend.Tracker
	logger   *zap.Logger
}

// NewFallbackExtractor creates the extractor. A nil provider disables it.
func NewFallbackExtractor(provider providers.Completer, tracker *spend.Tracker, logger *zap.Logger) *FallbackExtractor {
	return &FallbackExtractor{provider: provider, tracker: tracker, logger: logger}
}

// Extract returns field maps keyed by source id. Items whose call failed or
// whose reply did not parse are absent.
func (f *FallbackExtractor) Extract(ctx context.Context, items []models.RawListing) map[string]map[string]any {
	results := make(map[string]map[string]any)
	if f.provider == nil || len(items) == 0 {
		return results
	}

	for _, item := range items {
		fields, err := f.extractOne(ctx, item)
		if err != nil {
			f.logger.Warn("fallback: extraction failed",
				zap.String("source_id", item.SourceID),
				zap.String("provider", spend.Gemini),
				zap.Error(err),
			)
			continue
		}
		results[item.SourceID] = fields
		f.tracker.Record(ctx, spend.Gemini, spend.CostGemini)
	}

	f.logger.Info("fallback: batch processed",
		zap.Int("items", len(items)),
		zap.Int("extracted", len(results)),
	)
	return results
}

func (f *FallbackExtractor) extractOne(ctx context.Context, item models.RawListing) (map[string]any, error) {
	known, err := json.Marshal(item.Extracted)
	if err != nil {
		known = []byte("{}")
	}
	content := providers.PlainText(item.Content, fallbackContentLimit)

	reply, err := f.provider.Complete(ctx, "", fmt.Sprintf(fallbackPrompt, content, known))
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := providers.ExtractJSON(reply, &fields); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, eris.New("empty extraction")
	}
	return fields, nil
}
