package storage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/models"
)

// ErrNotFound is returned when a listing does not exist
var ErrNotFound = eris.New("not found")

// Storage interface defines the contract for listing persistence
type Storage interface {
	// UpsertListing inserts a raw record, or on an identity-key conflict
	// refreshes its normalized fields, raw payload and confidence only.
	// It returns the status the stored record now has.
	UpsertListing(ctx context.Context, rec *models.ListingRecord) (models.Status, error)
	UpdateNormalized(ctx context.Context, id string, normalized models.NormalizedListing, confidence float64) error
	GetListing(ctx context.Context, id string) (*models.ListingRecord, error)
	// SetStatus moves a raw record to a terminal status
	SetStatus(ctx context.Context, id string, status models.Status, trustScore *float64) error
	SaveEmbedding(ctx context.Context, e models.Embedding) error
	// RecentEmbeddings returns the newest embeddings first
	RecentEmbeddings(ctx context.Context, limit int) ([]models.Embedding, error)
	// PublishListing writes the trusted snapshot and marks the record
	// published, storing listingTrust on the record
	PublishListing(ctx context.Context, listing models.TrustedListing, listingTrust float64) error
	ListPublished(ctx context.Context, limit, offset int) ([]models.TrustedListing, error)
	UpdateBatchStatus(ctx context.Context, status models.BatchStatus) error
	GetBatchStatus(ctx context.Context) (*models.BatchStatus, error)
	Ping(ctx context.Context) error
	Close() error
}

// SpendLedger records cumulative provider spend per day
type SpendLedger interface {
	GetSpend(ctx context.Context, date, provider string) (float64, error)
	// IncrementSpend atomically adds usd to the (date, provider) entry
	IncrementSpend(ctx context.Context, date, provider string, usd float64) error
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, eris.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// NewLedger creates the spend ledger. When the ledger lives in the listing
// store it shares the store's connection and Close is left to the store.
func NewLedger(ctx context.Context, cfg config.StorageConfig, store Storage) (SpendLedger, error) {
	if cfg.LedgerType == cfg.Type {
		if ledger, ok := store.(SpendLedger); ok {
			return sharedLedger{ledger}, nil
		}
	}

	switch cfg.LedgerType {
	case "dynamodb":
		return NewDynamoDBLedger(cfg)
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, eris.Errorf("unsupported ledger type: %s", cfg.LedgerType)
	}
}

type sharedLedger struct {
	SpendLedger
}

func (sharedLedger) Close() error { return nil }
