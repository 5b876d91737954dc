package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/rotisserie/eris"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS listings (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	batch_ts    TIMESTAMPTZ NOT NULL,
	normalized  JSONB NOT NULL,
	raw         JSONB NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	trust_score DOUBLE PRECISION,
	status      TEXT NOT NULL DEFAULT 'raw',
	fetched_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (source, source_id, batch_ts)
);
CREATE TABLE IF NOT EXISTS listing_embeddings (
	id         BIGSERIAL PRIMARY KEY,
	listing_id TEXT NOT NULL,
	vector     DOUBLE PRECISION[],
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS trusted_listings (
	id           TEXT PRIMARY KEY,
	listing_id   TEXT NOT NULL REFERENCES listings(id),
	canonical    JSONB NOT NULL,
	trust_score  DOUBLE PRECISION NOT NULL,
	source_list  TEXT[] NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS daily_spend (
	date       DATE NOT NULL,
	model      TEXT NOT NULL,
	spend_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (date, model)
);
CREATE TABLE IF NOT EXISTS batch_status (
	id                  TEXT PRIMARY KEY,
	batch_ts            TIMESTAMPTZ,
	last_successful_run TIMESTAMPTZ,
	last_attempt        TIMESTAMPTZ,
	status              TEXT NOT NULL,
	error_message       TEXT,
	total               INTEGER NOT NULL DEFAULT 0,
	published           INTEGER NOT NULL DEFAULT 0,
	needs_human         INTEGER NOT NULL DEFAULT 0,
	needs_review        INTEGER NOT NULL DEFAULT 0
);`

// PostgreSQLStorage implements Storage and SpendLedger on PostgreSQL
type PostgreSQLStorage struct {
	db *sql.DB
}

// NewPostgreSQLStorage opens the database and applies the schema
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open postgres")
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to connect to postgres")
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to apply schema")
	}
	return &PostgreSQLStorage{db: db}, nil
}

// UpsertListing inserts a raw listing or refreshes an existing one
func (p *PostgreSQLStorage) UpsertListing(ctx context.Context, rec *models.ListingRecord) (models.Status, error) {
	normalized, err := json.Marshal(rec.Normalized)
	if err != nil {
		return "", eris.Wrapf(err, "failed to marshal listing %s", rec.ID)
	}
	raw, err := json.Marshal(rec.Raw)
	if err != nil {
		return "", eris.Wrapf(err, "failed to marshal raw listing %s", rec.ID)
	}

	var status string
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO listings (id, source, source_id, batch_ts, normalized, raw, confidence, status, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'raw', $8)
		ON CONFLICT (source, source_id, batch_ts) DO UPDATE
		SET normalized = EXCLUDED.normalized, raw = EXCLUDED.raw, confidence = EXCLUDED.confidence
		RETURNING status`,
		rec.ID, rec.Source, rec.SourceID, rec.BatchTS.UTC(), normalized, raw, rec.Confidence, rec.FetchedAt.UTC()).
		Scan(&status)
	if err != nil {
		return "", eris.Wrapf(err, "failed to upsert listing %s", rec.ID)
	}
	return models.Status(status), nil
}

// UpdateNormalized overwrites normalized fields and confidence
func (p *PostgreSQLStorage) UpdateNormalized(ctx context.Context, id string, normalized models.NormalizedListing, confidence float64) error {
	data, err := json.Marshal(normalized)
	if err != nil {
		return eris.Wrapf(err, "failed to marshal listing %s", id)
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE listings SET normalized = $2, confidence = $3 WHERE id = $1`, id, data, confidence)
	if err != nil {
		return eris.Wrapf(err, "failed to update listing %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	return nil
}

// GetListing retrieves a listing by id
func (p *PostgreSQLStorage) GetListing(ctx context.Context, id string) (*models.ListingRecord, error) {
	var (
		rec        models.ListingRecord
		normalized []byte
		raw        []byte
		trust      sql.NullFloat64
		status     string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, source, source_id, batch_ts, normalized, raw, confidence, trust_score, status, fetched_at
		FROM listings WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Source, &rec.SourceID, &rec.BatchTS, &normalized, &raw, &rec.Confidence, &trust, &status, &rec.FetchedAt)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to get listing %s", id)
	}

	if err := json.Unmarshal(normalized, &rec.Normalized); err != nil {
		return nil, eris.Wrapf(err, "failed to unmarshal listing %s", id)
	}
	if err := json.Unmarshal(raw, &rec.Raw); err != nil {
		return nil, eris.Wrapf(err, "failed to unmarshal raw listing %s", id)
	}
	if trust.Valid {
		rec.TrustScore = &trust.Float64
	}
	rec.Status = models.Status(status)
	return &rec, nil
}

// SetStatus moves a raw listing to a terminal status
func (p *PostgreSQLStorage) SetStatus(ctx context.Context, id string, status models.Status, trustScore *float64) error {
	return setStatusSQL(ctx, p.db, id, status, trustScore)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// setStatusSQL guards the transition in the WHERE clause so concurrent
// writers cannot both leave raw
func setStatusSQL(ctx context.Context, q execQuerier, id string, status models.Status, trustScore *float64) error {
	if !status.Terminal() {
		return eris.Wrapf(models.ErrInvalidTransition, "listing %s: -> %s", id, status)
	}

	var trust sql.NullFloat64
	if trustScore != nil {
		trust = sql.NullFloat64{Float64: *trustScore, Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		UPDATE listings SET status = $2, trust_score = COALESCE($3, trust_score)
		WHERE id = $1 AND status = 'raw'`, id, string(status), trust)
	if err != nil {
		return eris.Wrapf(err, "failed to set status of listing %s", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM listings WHERE id = $1`, id).Scan(&current)
	if eris.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "failed to read status of listing %s", id)
	}
	return eris.Wrapf(models.ErrInvalidTransition, "listing %s: %s -> %s", id, current, status)
}

// SaveEmbedding appends an embedding
func (p *PostgreSQLStorage) SaveEmbedding(ctx context.Context, e models.Embedding) error {
	vec := make(pq.Float64Array, len(e.Vector))
	for i, v := range e.Vector {
		vec[i] = float64(v)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO listing_embeddings (listing_id, vector, created_at) VALUES ($1, $2, $3)`,
		e.ListingID, vec, createdAt)
	if err != nil {
		return eris.Wrapf(err, "failed to save embedding for %s", e.ListingID)
	}
	return nil
}

// RecentEmbeddings returns the newest embeddings first
func (p *PostgreSQLStorage) RecentEmbeddings(ctx context.Context, limit int) ([]models.Embedding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT listing_id, vector, created_at FROM listing_embeddings
		ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query embeddings")
	}
	defer rows.Close()

	var out []models.Embedding
	for rows.Next() {
		var (
			e   models.Embedding
			vec pq.Float64Array
		)
		if err := rows.Scan(&e.ListingID, &vec, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "failed to scan embedding")
		}
		e.Vector = make([]float32, len(vec))
		for i, v := range vec {
			e.Vector[i] = float32(v)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "failed to iterate embeddings")
}

// PublishListing inserts the trusted snapshot and marks the listing
// published in one transaction
func (p *PostgreSQLStorage) PublishListing(ctx context.Context, listing models.TrustedListing, listingTrust float64) error {
	canonical, err := json.Marshal(listing.Canonical)
	if err != nil {
		return eris.Wrapf(err, "failed to marshal canonical listing %s", listing.ListingID)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := setStatusSQL(ctx, tx, listing.ListingID, models.StatusPublished, &listingTrust); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trusted_listings (id, listing_id, canonical, trust_score, source_list, published_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		listing.ID, listing.ListingID, canonical, listing.TrustScore,
		pq.StringArray(listing.Sources), listing.PublishedAt.UTC(), listing.Status)
	if err != nil {
		return eris.Wrapf(err, "failed to insert trusted listing %s", listing.ListingID)
	}

	return eris.Wrap(tx.Commit(), "failed to commit publish")
}

// ListPublished returns published listings, newest first
func (p *PostgreSQLStorage) ListPublished(ctx context.Context, limit, offset int) ([]models.TrustedListing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, listing_id, canonical, trust_score, source_list, published_at, status
		FROM trusted_listings ORDER BY published_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query published listings")
	}
	defer rows.Close()

	out := []models.TrustedListing{}
	for rows.Next() {
		var (
			t         models.TrustedListing
			canonical []byte
			sources   pq.StringArray
		)
		if err := rows.Scan(&t.ID, &t.ListingID, &canonical, &t.TrustScore, &sources, &t.PublishedAt, &t.Status); err != nil {
			return nil, eris.Wrap(err, "failed to scan published listing")
		}
		if err := json.Unmarshal(canonical, &t.Canonical); err != nil {
			return nil, eris.Wrapf(err, "failed to unmarshal canonical listing %s", t.ListingID)
		}
		t.Sources = sources
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "failed to iterate published listings")
}

// UpdateBatchStatus stores the latest batch status
func (p *PostgreSQLStorage) UpdateBatchStatus(ctx context.Context, s models.BatchStatus) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO batch_status (id, batch_ts, last_successful_run, last_attempt, status, error_message,
			total, published, needs_human, needs_review)
		VALUES ('latest', $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			batch_ts = EXCLUDED.batch_ts, last_successful_run = EXCLUDED.last_successful_run,
			last_attempt = EXCLUDED.last_attempt, status = EXCLUDED.status,
			error_message = EXCLUDED.error_message, total = EXCLUDED.total,
			published = EXCLUDED.published, needs_human = EXCLUDED.needs_human,
			needs_review = EXCLUDED.needs_review`,
		nullTime(s.BatchTS), nullTime(s.LastSuccessfulRun), nullTime(s.LastAttempt), s.Status, s.ErrorMessage,
		s.Total, s.Published, s.NeedsHuman, s.NeedsReview)
	if err != nil {
		return eris.Wrap(err, "failed to update batch status")
	}
	return nil
}

// GetBatchStatus returns the latest batch status
func (p *PostgreSQLStorage) GetBatchStatus(ctx context.Context) (*models.BatchStatus, error) {
	var (
		s                             models.BatchStatus
		batchTS, lastSuccess, attempt sql.NullTime
		errMsg                        sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT batch_ts, last_successful_run, last_attempt, status, error_message,
			total, published, needs_human, needs_review
		FROM batch_status WHERE id = 'latest'`).
		Scan(&batchTS, &lastSuccess, &attempt, &s.Status, &errMsg, &s.Total, &s.Published, &s.NeedsHuman, &s.NeedsReview)
	if eris.Is(err, sql.ErrNoRows) {
		return &models.BatchStatus{Status: "never_run"}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to get batch status")
	}
	s.BatchTS, s.LastSuccessfulRun, s.LastAttempt = batchTS.Time, lastSuccess.Time, attempt.Time
	s.ErrorMessage = errMsg.String
	return &s, nil
}

// GetSpend returns the spend of a provider on a day
func (p *PostgreSQLStorage) GetSpend(ctx context.Context, date, provider string) (float64, error) {
	var v float64
	err := p.db.QueryRowContext(ctx,
		`SELECT spend_usd FROM daily_spend WHERE date = $1 AND model = $2`, date, provider).Scan(&v)
	if eris.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "failed to get spend for %s", provider)
	}
	return v, nil
}

// IncrementSpend adds usd to a provider's spend on a day
func (p *PostgreSQLStorage) IncrementSpend(ctx context.Context, date, provider string, usd float64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO daily_spend (date, model, spend_usd, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (date, model) DO UPDATE
		SET spend_usd = daily_spend.spend_usd + EXCLUDED.spend_usd, updated_at = now()`,
		date, provider, usd)
	if err != nil {
		return eris.Wrapf(err, "failed to increment spend for %s", provider)
	}
	return nil
}

// Ping checks connectivity
func (p *PostgreSQLStorage) Ping(ctx context.Context) error {
	return eris.Wrap(p.db.PingContext(ctx), "postgres ping")
}

// Close closes the database pool
func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}
