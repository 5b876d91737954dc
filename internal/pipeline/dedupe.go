package pipeline

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/dedupe"
	"github.com/cararth/listing-ingestion-service/internal/models"
	"github.com/cararth/listing-ingestion-service/internal/providers"
	"github.com/cararth/listing-ingestion-service/internal/spend"
)

// EmbeddingStore persists embeddings
type EmbeddingStore interface {
	SaveEmbedding(ctx context.Context, e models.Embedding) error
}

// Deduplicator embeds a listing and looks for near-identical recent ones.
// Search and save run under mu so parallel workers see each other's listings.
type Deduplicator struct {
	mu        sync.Mutex
	embedder  providers.Embedder
	index     dedupe.Index
	store     EmbeddingStore
	tracker   *spend.Tracker
	dimension int
	logger    *zap.Logger
}

// NewDeduplicator creates the stage. A nil embedder always yields zero vectors.
func NewDeduplicator(embedder providers.Embedder, index dedupe.Index, store EmbeddingStore, tracker *spend.Tracker, dimension int, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		embedder:  embedder,
		index:     index,
		store:     store,
		tracker:   tracker,
		dimension: dimension,
		logger:    logger,
	}
}

// EmbeddingText joins the identifying fields of a listing
func EmbeddingText(n models.NormalizedListing) string {
	year := ""
	if n.Year > 0 {
		year = strconv.Itoa(n.Year)
	}
	return strings.Join([]string{n.Title, n.Make, n.Model, year, n.City}, " ")
}

// Check returns ids of near-duplicates of the listing. The listing's own
// embedding is stored after the search. Store failures are hard failures.
func (d *Deduplicator) Check(ctx context.Context, listingID, sourceID string, n models.NormalizedListing) Result[[]string] {
	vector, embedErr := d.embed(ctx, EmbeddingText(n))
	if embedErr != nil {
		d.logger.Warn("dedupe: embedding failed, using zero vector",
			zap.String("source_id", sourceID),
			zap.String("provider", spend.Embedding),
			zap.Error(embedErr),
		)
	}

	similar, err := d.searchAndSave(ctx, listingID, vector)
	if err != nil {
		return failed[[]string](err)
	}

	if embedErr != nil {
		return degraded(similar, embedErr)
	}
	return succeeded(similar)
}

func (d *Deduplicator) searchAndSave(ctx context.Context, listingID string, vector []float32) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	similar, err := d.index.Similar(ctx, vector, listingID)
	if err != nil {
		return nil, storeFailure(err, "dedupe: similarity search")
	}
	err = d.store.SaveEmbedding(ctx, models.Embedding{ListingID: listingID, Vector: vector, CreatedAt: time.Now().UTC()})
	if err != nil {
		return nil, storeFailure(err, "dedupe: save embedding")
	}
	return similar, nil
}

func (d *Deduplicator) embed(ctx context.Context, text string) ([]float32, error) {
	if d.embedder == nil || strings.TrimSpace(text) == "" {
		return make([]float32, d.dimension), nil
	}
	vector, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return make([]float32, d.dimension), err
	}
	d.tracker.Record(ctx, spend.Embedding, spend.CostEmbedding)
	return vector, nil
}
