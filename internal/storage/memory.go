package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cararth/listing-ingestion-service/internal/models"
)

// MemoryStorage keeps everything in process. It backs tests and dry runs.
type MemoryStorage struct {
	mu         sync.RWMutex
	listings   map[string]models.ListingRecord
	embeddings []models.Embedding
	published  []models.TrustedListing
	spend      map[string]float64
	batch      *models.BatchStatus
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		listings: make(map[string]models.ListingRecord),
		spend:    make(map[string]float64),
	}
}

// UpsertListing inserts or refreshes a listing
func (m *MemoryStorage) UpsertListing(ctx context.Context, rec *models.ListingRecord) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.listings[rec.ID]; ok {
		existing.Normalized = rec.Normalized
		existing.Raw = rec.Raw
		existing.Confidence = rec.Confidence
		m.listings[rec.ID] = existing
		return existing.Status, nil
	}

	stored := *rec
	stored.Status = models.StatusRaw
	stored.TrustScore = nil
	m.listings[rec.ID] = stored
	return models.StatusRaw, nil
}

// UpdateNormalized overwrites normalized fields and confidence
func (m *MemoryStorage) UpdateNormalized(ctx context.Context, id string, normalized models.NormalizedListing, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.listings[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	rec.Normalized = normalized
	rec.Confidence = confidence
	m.listings[id] = rec
	return nil
}

// GetListing returns a copy of the stored listing
func (m *MemoryStorage) GetListing(ctx context.Context, id string) (*models.ListingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.listings[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	return &rec, nil
}

// SetStatus moves a raw listing to a terminal status
func (m *MemoryStorage) SetStatus(ctx context.Context, id string, status models.Status, trustScore *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status, trustScore)
}

func (m *MemoryStorage) setStatusLocked(id string, status models.Status, trustScore *float64) error {
	rec, ok := m.listings[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	if !rec.Status.CanTransition(status) {
		return eris.Wrapf(models.ErrInvalidTransition, "listing %s: %s -> %s", id, rec.Status, status)
	}
	rec.Status = status
	if trustScore != nil {
		v := *trustScore
		rec.TrustScore = &v
	}
	m.listings[id] = rec
	return nil
}

// SaveEmbedding appends an embedding
func (m *MemoryStorage) SaveEmbedding(ctx context.Context, e models.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Vector = append([]float32(nil), e.Vector...)
	m.embeddings = append(m.embeddings, e)
	return nil
}

// RecentEmbeddings returns up to limit embeddings, newest first
func (m *MemoryStorage) RecentEmbeddings(ctx context.Context, limit int) ([]models.Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Embedding, 0, limit)
	for i := len(m.embeddings) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.embeddings[i])
	}
	return out, nil
}

// PublishListing records the trusted snapshot and marks the listing published
func (m *MemoryStorage) PublishListing(ctx context.Context, listing models.TrustedListing, listingTrust float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.setStatusLocked(listing.ListingID, models.StatusPublished, &listingTrust); err != nil {
		return err
	}
	m.published = append(m.published, listing)
	return nil
}

// ListPublished returns published listings, newest first
func (m *MemoryStorage) ListPublished(ctx context.Context, limit, offset int) ([]models.TrustedListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := append([]models.TrustedListing(nil), m.published...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.After(sorted[j].PublishedAt)
	})
	if offset >= len(sorted) {
		return []models.TrustedListing{}, nil
	}
	end := offset + limit
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[offset:end], nil
}

// UpdateBatchStatus stores the latest batch status
func (m *MemoryStorage) UpdateBatchStatus(ctx context.Context, status models.BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = &status
	return nil
}

// GetBatchStatus returns the latest batch status
func (m *MemoryStorage) GetBatchStatus(ctx context.Context) (*models.BatchStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.batch == nil {
		return &models.BatchStatus{Status: "never_run"}, nil
	}
	status := *m.batch
	return &status, nil
}

// GetSpend returns the spend of a provider on a day
func (m *MemoryStorage) GetSpend(ctx context.Context, date, provider string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spend[date+"/"+provider], nil
}

// IncrementSpend adds usd to a provider's spend on a day
func (m *MemoryStorage) IncrementSpend(ctx context.Context, date, provider string, usd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spend[date+"/"+provider] += usd
	return nil
}

// Ping always succeeds
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStorage) Close() error {
	return nil
}
