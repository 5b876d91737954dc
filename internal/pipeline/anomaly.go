package pipeline

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/models"
	"github.com/cararth/listing-ingestion-service/internal/providers"
	"github.com/cararth/listing-ingestion-service/internal/spend"
)

const marketSystemPrompt = "You are a car market analyst. Research current prices and provide market insights."

const marketPrompt = `Research current market pricing for:
%d %s %s price %s India used car market

Listed Price: ₹%d

Provide:
1. Typical market price range
2. Is the listed price reasonable?
3. Any market trends or anomalies

Return brief analysis in JSON:
{
    "market_range": {"low": 000000, "high": 000000},
    "price_assessment": "fair/low/high",
    "notes": "market insights"
}`

// MedianFunc looks up the expected market median for a listing
type MedianFunc func(ctx context.Context, n models.NormalizedListing) (int64, bool)

// NoMedian never has a reference price
func NoMedian(context.Context, models.NormalizedListing) (int64, bool) {
	return 0, false
}

type marketReply struct {
	MarketRange struct {
		Low  float64 `json:"low"`
		High float64 `json:"high"`
	} `json:"market_range"`
	PriceAssessment string `json:"price_assessment"`
	Notes           string `json:"notes"`
}

// AnomalyChecker asks a market-research provider about suspicious prices.
// Its report is advisory.
type AnomalyChecker struct {
	provider     providers.Completer
	tracker      *spend.Tracker
	median       MedianFunc
	thresholdPct float64
	logger       *zap.Logger
}

// NewAnomalyChecker creates the checker
func NewAnomalyChecker(provider providers.Completer, tracker *spend.Tracker, median MedianFunc, thresholdPct float64, logger *zap.Logger) *AnomalyChecker {
	if median == nil {
		median = NoMedian
	}
	return &AnomalyChecker{
		provider:     provider,
		tracker:      tracker,
		median:       median,
		thresholdPct: thresholdPct,
		logger:       logger,
	}
}

// Deviation returns |price-median|/median as a percentage
func Deviation(price, median int64) float64 {
	if median <= 0 {
		return 0
	}
	return math.Abs(float64(price-median)) / float64(median) * 100
}

// Check returns a report when the price deviates beyond the threshold and
// the provider answered. A nil value with Succeeded means no check was due
// or the budget is spent.
func (a *AnomalyChecker) Check(ctx context.Context, sourceID string, n models.NormalizedListing) Result[*models.AnomalyReport] {
	median, ok := a.median(ctx, n)
	if !ok || median <= 0 || a.provider == nil {
		return succeeded[*models.AnomalyReport](nil)
	}
	deviation := Deviation(n.PriceValue(), median)
	if deviation <= a.thresholdPct {
		return succeeded[*models.AnomalyReport](nil)
	}

	if !a.tracker.Reserve(spend.Perplexity, spend.CostPerplexity) {
		a.logger.Debug("anomaly: market budget exhausted", zap.String("source_id", sourceID))
		return succeeded[*models.AnomalyReport](nil)
	}

	prompt := fmt.Sprintf(marketPrompt, n.Year, n.Make, n.Model, n.City, n.PriceValue())
	reply, err := a.provider.Complete(ctx, marketSystemPrompt, prompt)
	var parsed marketReply
	if err == nil {
		err = providers.ExtractJSON(reply, &parsed)
	}
	if err != nil {
		a.tracker.Release(spend.Perplexity, spend.CostPerplexity)
		a.logger.Warn("anomaly: market check failed",
			zap.String("source_id", sourceID),
			zap.String("provider", spend.Perplexity),
			zap.Error(err),
		)
		return degraded[*models.AnomalyReport](nil, err)
	}
	a.tracker.Commit(ctx, spend.Perplexity, spend.CostPerplexity)

	return succeeded(&models.AnomalyReport{
		ExpectedMedian: median,
		DeviationPct:   deviation,
		MarketLow:      int64(parsed.MarketRange.Low),
		MarketHigh:     int64(parsed.MarketRange.High),
		Assessment:     parsed.PriceAssessment,
		Notes:          parsed.Notes,
	})
}
