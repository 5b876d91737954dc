// Package dedupe finds near-identical listings by embedding similarity.
package dedupe

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/cararth/listing-ingestion-service/internal/models"
)

// Cosine returns the cosine similarity of a and b. ok is false when the
// vectors are empty, differ in length or either has zero magnitude.
func Cosine(a, b []float32) (sim float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// Index answers similarity queries over stored embeddings
type Index interface {
	Similar(ctx context.Context, vector []float32, excludeID string) ([]string, error)
}

// EmbeddingSource supplies the most recent stored embeddings
type EmbeddingSource interface {
	RecentEmbeddings(ctx context.Context, limit int) ([]models.Embedding, error)
}

// BruteForce scans a bounded window of the newest embeddings
type BruteForce struct {
	source     EmbeddingSource
	threshold  float64
	scanLimit  int
	maxResults int
}

// NewBruteForce creates a brute-force index
func NewBruteForce(source EmbeddingSource, threshold float64, scanLimit, maxResults int) *BruteForce {
	return &BruteForce{
		source:     source,
		threshold:  threshold,
		scanLimit:  scanLimit,
		maxResults: maxResults,
	}
}

// Similar returns ids whose similarity to vector exceeds the threshold,
// in scan order, newest first
func (b *BruteForce) Similar(ctx context.Context, vector []float32, excludeID string) ([]string, error) {
	candidates, err := b.source.RecentEmbeddings(ctx, b.scanLimit)
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: load recent embeddings")
	}

	var (
		ids  []string
		seen = map[string]bool{excludeID: true}
	)
	for _, c := range candidates {
		if len(ids) >= b.maxResults {
			break
		}
		if seen[c.ListingID] {
			continue
		}
		sim, ok := Cosine(vector, c.Vector)
		if !ok || sim <= b.threshold {
			continue
		}
		seen[c.ListingID] = true
		ids = append(ids, c.ListingID)
	}
	return ids, nil
}
