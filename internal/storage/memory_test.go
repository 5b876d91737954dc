package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/models"
)

func testRecord(sourceID string, price int64) *models.ListingRecord {
	raw := models.RawListing{
		Source:    "OLX",
		SourceID:  sourceID,
		Extracted: map[string]any{"price": price},
		BatchTS:   time.Date(2026, 10, 18, 6, 0, 0, 0, time.UTC),
	}
	return models.NewListingRecord(raw, models.NormalizedListing{Title: "Swift", Price: &price, Images: []string{"a"}}, 0.9)
}

func TestMemoryStorage_UpsertKeepsStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	rec := testRecord("OLX-1", 450000)

	status, err := store.UpsertListing(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRaw, status)
	require.NoError(t, store.SetStatus(ctx, rec.ID, models.StatusNeedsReview, nil))

	updated := testRecord("OLX-1", 460000)
	updated.Confidence = 0.4
	status, err = store.UpsertListing(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReview, status)

	got, err := store.GetListing(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReview, got.Status)
	assert.Equal(t, int64(460000), got.Normalized.PriceValue())
	assert.Equal(t, 0.4, got.Confidence)
}

func TestMemoryStorage_SetStatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	rec := testRecord("OLX-2", 450000)
	_, err := store.UpsertListing(ctx, rec)
	require.NoError(t, err)

	trust := 0.7
	require.NoError(t, store.SetStatus(ctx, rec.ID, models.StatusNeedsHuman, &trust))

	err = store.SetStatus(ctx, rec.ID, models.StatusPublished, nil)
	assert.True(t, eris.Is(err, models.ErrInvalidTransition))

	err = store.SetStatus(ctx, "missing", models.StatusPublished, nil)
	assert.True(t, eris.Is(err, ErrNotFound))

	got, err := store.GetListing(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TrustScore)
	assert.Equal(t, 0.7, *got.TrustScore)
}

func TestMemoryStorage_PublishListing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	rec := testRecord("OLX-3", 450000)
	_, err := store.UpsertListing(ctx, rec)
	require.NoError(t, err)

	trusted := models.TrustedListing{
		ID:          models.TrustedID(rec.ID),
		ListingID:   rec.ID,
		TrustScore:  0.85,
		Sources:     []string{"OLX"},
		PublishedAt: time.Now().UTC(),
		Status:      "active",
	}
	require.NoError(t, store.PublishListing(ctx, trusted, 0.9))

	got, err := store.GetListing(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, got.Status)
	assert.Equal(t, 0.9, *got.TrustScore)

	published, err := store.ListPublished(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, 0.85, published[0].TrustScore)

	err = store.PublishListing(ctx, trusted, 0.9)
	assert.True(t, eris.Is(err, models.ErrInvalidTransition))

	published, err = store.ListPublished(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, published)
}

func TestMemoryStorage_RecentEmbeddings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveEmbedding(ctx, models.Embedding{ListingID: id, Vector: []float32{1, 0}}))
	}

	got, err := store.RecentEmbeddings(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ListingID)
	assert.Equal(t, "b", got[1].ListingID)
}

func TestMemoryStorage_Spend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	require.NoError(t, store.IncrementSpend(ctx, "2026-10-18", "gpt5", 0.05))
	require.NoError(t, store.IncrementSpend(ctx, "2026-10-18", "gpt5", 0.05))

	v, err := store.GetSpend(ctx, "2026-10-18", "gpt5")
	require.NoError(t, err)
	assert.InDelta(t, 0.10, v, 1e-9)

	v, err = store.GetSpend(ctx, "2026-10-19", "gpt5")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestMemoryStorage_BatchStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	status, err := store.GetBatchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "never_run", status.Status)

	require.NoError(t, store.UpdateBatchStatus(ctx, models.BatchStatus{Status: "success", Published: 3}))
	status, err = store.GetBatchStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Published)
}

func TestNewStorage_Factories(t *testing.T) {
	ctx := context.Background()

	store, err := NewStorage(ctx, config.StorageConfig{Type: "memory"})
	require.NoError(t, err)

	ledger, err := NewLedger(ctx, config.StorageConfig{Type: "memory", LedgerType: "memory"}, store)
	require.NoError(t, err)
	require.NoError(t, ledger.IncrementSpend(ctx, "2026-10-18", "gemini", 0.01))

	v, err := store.(*MemoryStorage).GetSpend(ctx, "2026-10-18", "gemini")
	require.NoError(t, err)
	assert.Equal(t, 0.01, v)

	_, err = NewStorage(ctx, config.StorageConfig{Type: "dynamodb"})
	assert.Error(t, err)
	_, err = NewLedger(ctx, config.StorageConfig{Type: "memory", LedgerType: "redis"}, store)
	assert.Error(t, err)
}
