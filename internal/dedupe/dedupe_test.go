package dedupe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cararth/listing-ingestion-service/internal/models"
)

type staticSource []models.Embedding

func (s staticSource) RecentEmbeddings(ctx context.Context, limit int) ([]models.Embedding, error) {
	if limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

type failingSource struct{}

func (failingSource) RecentEmbeddings(ctx context.Context, limit int) ([]models.Embedding, error) {
	return nil, assert.AnError
}

func TestCosine(t *testing.T) {
	sim, ok := Cosine([]float32{1, 0}, []float32{1, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, ok = Cosine([]float32{1, 0}, []float32{0, 1})
	require.True(t, ok)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, ok = Cosine([]float32{1, 0}, []float32{1, 0, 0})
	assert.False(t, ok)
	_, ok = Cosine(nil, nil)
	assert.False(t, ok)
	_, ok = Cosine([]float32{0, 0}, []float32{1, 0})
	assert.False(t, ok)
}

func TestCosine_Symmetric(t *testing.T) {
	a := []float32{0.3, -1.2, 4.5, 0.01}
	b := []float32{1.1, 0.2, 3.9, -0.7}

	ab, _ := Cosine(a, b)
	ba, _ := Cosine(b, a)
	assert.Equal(t, ab, ba)
}

func TestBruteForce_Similar(t *testing.T) {
	source := staticSource{
		{ListingID: "self", Vector: []float32{1, 0, 0}},
		{ListingID: "twin", Vector: []float32{0.99, 0.01, 0}},
		{ListingID: "short", Vector: []float32{1, 0}},
		{ListingID: "empty"},
		{ListingID: "zero", Vector: []float32{0, 0, 0}},
		{ListingID: "other", Vector: []float32{0, 1, 0}},
		{ListingID: "twin", Vector: []float32{1, 0, 0}},
		{ListingID: "cousin", Vector: []float32{0.98, 0.05, 0}},
	}
	index := NewBruteForce(source, 0.92, 100, 5)

	ids, err := index.Similar(context.Background(), []float32{1, 0, 0}, "self")
	require.NoError(t, err)
	assert.Equal(t, []string{"twin", "cousin"}, ids)
}

func TestBruteForce_Limits(t *testing.T) {
	var source staticSource
	for _, id := range []string{"a", "b", "c", "d"} {
		source = append(source, models.Embedding{ListingID: id, Vector: []float32{1, 1}})
	}

	ids, err := NewBruteForce(source, 0.92, 100, 2).Similar(context.Background(), []float32{1, 1}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = NewBruteForce(source, 0.92, 1, 5).Similar(context.Background(), []float32{1, 1}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestBruteForce_ZeroVectorMatchesNothing(t *testing.T) {
	source := staticSource{{ListingID: "a", Vector: []float32{1, 1}}}

	ids, err := NewBruteForce(source, 0.92, 100, 5).Similar(context.Background(), []float32{0, 0}, "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBruteForce_SourceError(t *testing.T) {
	_, err := NewBruteForce(failingSource{}, 0.92, 100, 5).Similar(context.Background(), []float32{1}, "")
	assert.Error(t, err)
}
