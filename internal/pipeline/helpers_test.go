package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/dedupe"
	"github.com/cararth/listing-ingestion-service/internal/models"
	"github.com/cararth/listing-ingestion-service/internal/spend"
	"github.com/cararth/listing-ingestion-service/internal/storage"
)

// MockCompleter is a mock implementation of providers.Completer
type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	args := m.Called(ctx, system, prompt)
	return args.String(0), args.Error(1)
}

// fakeEmbedder returns fixed vectors per title and fails for unknown text
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	panicOn string
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicOn != "" && strings.HasPrefix(text, f.panicOn+" ") {
		panic("embedder exploded")
	}
	for title, v := range f.vectors {
		if strings.HasPrefix(text, title+" ") {
			return v, nil
		}
	}
	return nil, context.DeadlineExceeded
}

// slowIndex stretches each search so parallel workers overlap
type slowIndex struct {
	dedupe.Index
	delay time.Duration
}

func (s slowIndex) Similar(ctx context.Context, vector []float32, excludeID string) ([]string, error) {
	time.Sleep(s.delay)
	return s.Index.Similar(ctx, vector, excludeID)
}

type staticSource []models.RawListing

func (s staticSource) Fetch(ctx context.Context, batchTS time.Time) ([]models.RawListing, error) {
	return s, nil
}

type cdnAssets struct{}

func (cdnAssets) Cache(ctx context.Context, urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, "https://cdn.example.com/"+u[strings.LastIndex(u, "/")+1:])
	}
	return out
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		ConfidenceThreshold:   0.7,
		TrustScorePublish:     0.6,
		PriceAnomalyPct:       20,
		DedupeSimilarity:      0.92,
		PremiumPriceThreshold: 300000,
		MinPublishPrice:       50000,
		DailyPremiumBudget:    50,
		DailyMarketBudget:     40,
		BatchConcurrency:      1,
		DedupeScanLimit:       100,
		DedupeMaxResults:      5,
		EmbedDimension:        4,
		Timezone:              "UTC",
	}
}

func newTestTracker(ledger spend.Ledger, cfg config.PipelineConfig) *spend.Tracker {
	return spend.NewTracker(ledger, map[string]float64{
		spend.Premium:    cfg.DailyPremiumBudget,
		spend.Perplexity: cfg.DailyMarketBudget,
	}, time.UTC, zap.NewNop())
}

type harness struct {
	cfg      config.PipelineConfig
	store    *storage.MemoryStorage
	tracker  *spend.Tracker
	fallback *MockCompleter
	trust    *MockCompleter
	market   *MockCompleter
	premium  *MockCompleter
	embedder *fakeEmbedder
	median   MedianFunc
	// wrapIndex, when set, decorates the similarity index
	wrapIndex func(dedupe.Index) dedupe.Index
}

func newHarness() *harness {
	cfg := testPipelineConfig()
	store := storage.NewMemoryStorage()
	return &harness{
		cfg:      cfg,
		store:    store,
		tracker:  newTestTracker(store, cfg),
		fallback: new(MockCompleter),
		trust:    new(MockCompleter),
		market:   new(MockCompleter),
		premium:  new(MockCompleter),
		embedder: &fakeEmbedder{vectors: map[string][]float32{}},
		median:   NoMedian,
	}
}

func (h *harness) orchestrator(t *testing.T, source Source) *Orchestrator {
	t.Helper()
	log := zap.NewNop()
	var index dedupe.Index = dedupe.NewBruteForce(h.store, h.cfg.DedupeSimilarity, h.cfg.DedupeScanLimit, h.cfg.DedupeMaxResults)
	if h.wrapIndex != nil {
		index = h.wrapIndex(index)
	}
	stages := Stages{
		Fallback:  NewFallbackExtractor(h.fallback, h.tracker, log),
		Trust:     NewTrustEvaluator(h.trust, h.tracker, h.cfg.PremiumPriceThreshold, log),
		Anomaly:   NewAnomalyChecker(h.market, h.tracker, h.median, h.cfg.PriceAnomalyPct, log),
		Dedupe:    NewDeduplicator(h.embedder, index, h.store, h.tracker, h.cfg.EmbedDimension, log),
		Finalizer: NewFinalizer(h.premium, h.tracker, h.cfg.PremiumPriceThreshold, h.cfg.TrustScorePublish, h.cfg.MinPublishPrice, log),
		Assets:    cdnAssets{},
	}
	return NewOrchestrator(h.cfg, h.store, source, h.tracker, stages, log)
}

func int64Ptr(v int64) *int64 { return &v }

func sampleListing(title string, p int64, images ...string) models.NormalizedListing {
	return models.NormalizedListing{
		Title:   title,
		Make:    "Maruti",
		Model:   "Swift",
		Year:    2018,
		Price:   int64Ptr(p),
		City:    "Hyderabad",
		Images:  images,
		Contact: "98480",
	}
}
