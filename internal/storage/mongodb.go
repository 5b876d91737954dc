package storage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/models"
)

// MongoDBStorage implements Storage and SpendLedger on MongoDB
type MongoDBStorage struct {
	client     *mongo.Client
	listings   *mongo.Collection
	embeddings *mongo.Collection
	published  *mongo.Collection
	spend      *mongo.Collection
	batch      *mongo.Collection
}

// embeddingDoc keeps vectors as float64 on the wire
type embeddingDoc struct {
	ListingID string    `bson:"listing_id"`
	Vector    []float64 `bson:"vector"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoDBStorage connects and ensures indexes
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, eris.Wrap(err, "failed to ping mongodb")
	}

	db := client.Database(cfg.MongoDBName)
	m := &MongoDBStorage{
		client:     client,
		listings:   db.Collection("listings"),
		embeddings: db.Collection("listing_embeddings"),
		published:  db.Collection("trusted_listings"),
		spend:      db.Collection("daily_spend"),
		batch:      db.Collection("batch_status"),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func (m *MongoDBStorage) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{m.listings, mongo.IndexModel{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "source_id", Value: 1}, {Key: "batch_ts", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{m.embeddings, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}},
		{m.published, mongo.IndexModel{Keys: bson.D{{Key: "published_at", Value: -1}}}},
		{m.spend, mongo.IndexModel{
			Keys:    bson.D{{Key: "date", Value: 1}, {Key: "model", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return eris.Wrapf(err, "failed to create index on %s", idx.coll.Name())
		}
	}
	return nil
}

// UpsertListing inserts a raw listing or refreshes an existing one
func (m *MongoDBStorage) UpsertListing(ctx context.Context, rec *models.ListingRecord) (models.Status, error) {
	update := bson.M{
		"$set": bson.M{
			"normalized": rec.Normalized,
			"raw":        rec.Raw,
			"confidence": rec.Confidence,
		},
		"$setOnInsert": bson.M{
			"source":     rec.Source,
			"source_id":  rec.SourceID,
			"batch_ts":   rec.BatchTS.UTC(),
			"status":     models.StatusRaw,
			"fetched_at": rec.FetchedAt.UTC(),
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored models.ListingRecord
	if err := m.listings.FindOneAndUpdate(ctx, bson.M{"_id": rec.ID}, update, opts).Decode(&stored); err != nil {
		return "", eris.Wrapf(err, "failed to upsert listing %s", rec.ID)
	}
	return stored.Status, nil
}

// UpdateNormalized overwrites normalized fields and confidence
func (m *MongoDBStorage) UpdateNormalized(ctx context.Context, id string, normalized models.NormalizedListing, confidence float64) error {
	res, err := m.listings.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"normalized": normalized, "confidence": confidence}})
	if err != nil {
		return eris.Wrapf(err, "failed to update listing %s", id)
	}
	if res.MatchedCount == 0 {
		return eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	return nil
}

// GetListing retrieves a listing by id
func (m *MongoDBStorage) GetListing(ctx context.Context, id string) (*models.ListingRecord, error) {
	var rec models.ListingRecord
	err := m.listings.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if eris.Is(err, mongo.ErrNoDocuments) {
		return nil, eris.Wrapf(ErrNotFound, "listing %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to get listing %s", id)
	}
	return &rec, nil
}

// SetStatus moves a raw listing to a terminal status
func (m *MongoDBStorage) SetStatus(ctx context.Context, id string, status models.Status, trustScore *float64) error {
	if !status.Terminal() {
		return eris.Wrapf(models.ErrInvalidTransition, "listing %s: -> %s", id, status)
	}

	set := bson.M{"status": status}
	if trustScore != nil {
		set["trust_score"] = *trustScore
	}
	res, err := m.listings.UpdateOne(ctx, bson.M{"_id": id, "status": models.StatusRaw}, bson.M{"$set": set})
	if err != nil {
		return eris.Wrapf(err, "failed to set status of listing %s", id)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	current, err := m.GetListing(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(models.ErrInvalidTransition, "listing %s: %s -> %s", id, current.Status, status)
}

// SaveEmbedding appends an embedding
func (m *MongoDBStorage) SaveEmbedding(ctx context.Context, e models.Embedding) error {
	doc := embeddingDoc{ListingID: e.ListingID, Vector: make([]float64, len(e.Vector)), CreatedAt: e.CreatedAt}
	for i, v := range e.Vector {
		doc.Vector[i] = float64(v)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	if _, err := m.embeddings.InsertOne(ctx, doc); err != nil {
		return eris.Wrapf(err, "failed to save embedding for %s", e.ListingID)
	}
	return nil
}

// RecentEmbeddings returns the newest embeddings first. Documents whose
// vector does not decode come back with an empty vector.
func (m *MongoDBStorage) RecentEmbeddings(ctx context.Context, limit int) ([]models.Embedding, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := m.embeddings.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query embeddings")
	}
	defer cursor.Close(ctx)

	var out []models.Embedding
	for cursor.Next(ctx) {
		var doc embeddingDoc
		if err := cursor.Decode(&doc); err != nil {
			doc.Vector = nil
		}
		e := models.Embedding{ListingID: doc.ListingID, CreatedAt: doc.CreatedAt, Vector: make([]float32, len(doc.Vector))}
		for i, v := range doc.Vector {
			e.Vector[i] = float32(v)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(cursor.Err(), "failed to iterate embeddings")
}

// PublishListing inserts the trusted snapshot and marks the listing
// published. Standalone servers have no transactions, so the snapshot is
// written first under its deterministic id and the status flip follows.
func (m *MongoDBStorage) PublishListing(ctx context.Context, listing models.TrustedListing, listingTrust float64) error {
	_, err := m.published.InsertOne(ctx, listing)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return eris.Wrapf(err, "failed to insert trusted listing %s", listing.ListingID)
	}

	return m.SetStatus(ctx, listing.ListingID, models.StatusPublished, &listingTrust)
}

// ListPublished returns published listings, newest first
func (m *MongoDBStorage) ListPublished(ctx context.Context, limit, offset int) ([]models.TrustedListing, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "published_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cursor, err := m.published.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, eris.Wrap(err, "failed to query published listings")
	}
	defer cursor.Close(ctx)

	out := []models.TrustedListing{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, eris.Wrap(err, "failed to decode published listings")
	}
	return out, nil
}

// UpdateBatchStatus stores the latest batch status
func (m *MongoDBStorage) UpdateBatchStatus(ctx context.Context, status models.BatchStatus) error {
	_, err := m.batch.ReplaceOne(ctx, bson.M{"_id": "latest"}, status, options.Replace().SetUpsert(true))
	if err != nil {
		return eris.Wrap(err, "failed to update batch status")
	}
	return nil
}

// GetBatchStatus returns the latest batch status
func (m *MongoDBStorage) GetBatchStatus(ctx context.Context) (*models.BatchStatus, error) {
	var status models.BatchStatus
	err := m.batch.FindOne(ctx, bson.M{"_id": "latest"}).Decode(&status)
	if eris.Is(err, mongo.ErrNoDocuments) {
		return &models.BatchStatus{Status: "never_run"}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to get batch status")
	}
	return &status, nil
}

// GetSpend returns the spend of a provider on a day
func (m *MongoDBStorage) GetSpend(ctx context.Context, date, provider string) (float64, error) {
	var entry models.SpendEntry
	err := m.spend.FindOne(ctx, bson.M{"date": date, "model": provider}).Decode(&entry)
	if eris.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "failed to get spend for %s", provider)
	}
	return entry.SpendUSD, nil
}

// IncrementSpend adds usd to a provider's spend on a day
func (m *MongoDBStorage) IncrementSpend(ctx context.Context, date, provider string, usd float64) error {
	_, err := m.spend.UpdateOne(ctx,
		bson.M{"date": date, "model": provider},
		bson.M{
			"$inc": bson.M{"spend_usd": usd},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return eris.Wrapf(err, "failed to increment spend for %s", provider)
	}
	return nil
}

// Ping checks connectivity
func (m *MongoDBStorage) Ping(ctx context.Context) error {
	return eris.Wrap(m.client.Ping(ctx, nil), "mongodb ping")
}

// Close disconnects the client
func (m *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
