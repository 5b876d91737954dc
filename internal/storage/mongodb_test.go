package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/models"
)

// Runs against a real server when TEST_MONGODB_URI is set
func newTestMongo(t *testing.T) *MongoDBStorage {
	uri := os.Getenv("TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("TEST_MONGODB_URI not set")
	}
	store, err := NewMongoDBStorage(context.Background(), config.StorageConfig{
		MongoDBURI:  uri,
		MongoDBName: "cararth_test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMongoDBStorage_ListingLifecycle(t *testing.T) {
	store := newTestMongo(t)
	ctx := context.Background()

	rec := testRecord("mongo-"+uuid.NewString(), 450000)
	status, err := store.UpsertListing(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRaw, status)

	trusted := models.TrustedListing{
		ID:          models.TrustedID(rec.ID),
		ListingID:   rec.ID,
		Canonical:   models.CanonicalListing{NormalizedListing: rec.Normalized},
		TrustScore:  0.85,
		Sources:     []string{"OLX"},
		PublishedAt: time.Now().UTC(),
		Status:      "active",
	}
	require.NoError(t, store.PublishListing(ctx, trusted, 0.9))

	status, err = store.UpsertListing(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPublished, status)

	got, err := store.GetListing(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TrustScore)
	assert.Equal(t, 0.9, *got.TrustScore)

	// A retried publish must not write a second snapshot or move the status
	err = store.PublishListing(ctx, trusted, 0.9)
	assert.True(t, eris.Is(err, models.ErrInvalidTransition))

	_, err = store.GetListing(ctx, uuid.NewString())
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestMongoDBStorage_Embeddings(t *testing.T) {
	store := newTestMongo(t)
	ctx := context.Background()
	id := "mongo-" + uuid.NewString()

	require.NoError(t, store.SaveEmbedding(ctx, models.Embedding{ListingID: id, Vector: []float32{0.5, 0.25}}))

	recent, err := store.RecentEmbeddings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, id, recent[0].ListingID)
	assert.Equal(t, []float32{0.5, 0.25}, recent[0].Vector)
}

func TestMongoDBStorage_Spend(t *testing.T) {
	store := newTestMongo(t)
	ctx := context.Background()
	provider := "test-" + uuid.NewString()

	require.NoError(t, store.IncrementSpend(ctx, "2026-10-18", provider, 0.03))
	require.NoError(t, store.IncrementSpend(ctx, "2026-10-18", provider, 0.03))

	v, err := store.GetSpend(ctx, "2026-10-18", provider)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, v, 1e-9)
}
