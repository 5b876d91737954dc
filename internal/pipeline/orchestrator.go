package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/models"
	"github.com/cararth/listing-ingestion-service/internal/normalize"
	"github.com/cararth/listing-ingestion-service/internal/spend"
	"github.com/cararth/listing-ingestion-service/internal/storage"
)

// Source supplies the raw listings of one batch
type Source interface {
	Fetch(ctx context.Context, batchTS time.Time) ([]models.RawListing, error)
}

// AssetCacher republishes listing images on durable storage
type AssetCacher interface {
	Cache(ctx context.Context, urls []string) []string
}

// Stages bundles the provider-backed stages of the pipeline
type Stages struct {
	Fallback  *FallbackExtractor
	Trust     *TrustEvaluator
	Anomaly   *AnomalyChecker
	Dedupe    *Deduplicator
	Finalizer *Finalizer
	Assets    AssetCacher
}

// Orchestrator runs batches
type Orchestrator struct {
	cfg     config.PipelineConfig
	store   storage.Storage
	source  Source
	tracker *spend.Tracker
	stages  Stages
	logger  *zap.Logger
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg config.PipelineConfig, store storage.Storage, source Source, tracker *spend.Tracker, stages Stages, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		source:  source,
		tracker: tracker,
		stages:  stages,
		logger:  logger,
	}
}

type tally struct {
	mu     sync.Mutex
	result models.BatchResult
}

func (t *tally) add(status models.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch status {
	case models.StatusPublished:
		t.result.Published++
	case models.StatusNeedsHuman:
		t.result.NeedsHuman++
	case models.StatusNeedsReview:
		t.result.NeedsReview++
	default:
		t.result.Abandoned++
	}
}

// RunBatch drives every raw listing of the batch to a terminal status.
// Item failures are logged and the item abandoned; store failures abort.
func (o *Orchestrator) RunBatch(ctx context.Context, batchTS time.Time) (*models.BatchResult, error) {
	log := o.logger.With(zap.Time("batch_ts", batchTS))
	started := time.Now().UTC()
	status := models.BatchStatus{BatchTS: batchTS, LastAttempt: started, Status: "running"}

	if prev, err := o.store.GetBatchStatus(ctx); err == nil {
		status.LastSuccessfulRun = prev.LastSuccessfulRun
		if prev.Status == "running" {
			log.Warn("orchestrator: previous batch still marked running, runs may overlap",
				zap.Time("previous_batch_ts", prev.BatchTS))
		}
	}

	result, err := o.run(ctx, log, batchTS, &status)
	if err != nil {
		status.Status = "failure"
		status.ErrorMessage = err.Error()
		if result != nil {
			o.fillCounts(&status, result)
		}
		if serr := o.store.UpdateBatchStatus(context.WithoutCancel(ctx), status); serr != nil {
			log.Error("orchestrator: failed to record batch failure", zap.Error(serr))
		}
		log.Error("orchestrator: batch aborted", zap.Error(err))
		return result, err
	}

	status.Status = "success"
	status.LastSuccessfulRun = time.Now().UTC()
	o.fillCounts(&status, result)
	if err := o.store.UpdateBatchStatus(ctx, status); err != nil {
		return result, storeFailure(err, "orchestrator: record batch status")
	}

	log.Info("orchestrator: batch completed",
		zap.Int("total", result.Total),
		zap.Int("published", result.Published),
		zap.Int("needs_human", result.NeedsHuman),
		zap.Int("needs_review", result.NeedsReview),
		zap.Int("abandoned", result.Abandoned),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (o *Orchestrator) fillCounts(status *models.BatchStatus, result *models.BatchResult) {
	status.Total = result.Total
	status.Published = result.Published
	status.NeedsHuman = result.NeedsHuman
	status.NeedsReview = result.NeedsReview
}

func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, batchTS time.Time, status *models.BatchStatus) (*models.BatchResult, error) {
	if err := o.store.Ping(ctx); err != nil {
		return nil, storeFailure(err, "orchestrator: ping store")
	}
	if err := o.store.UpdateBatchStatus(ctx, *status); err != nil {
		return nil, storeFailure(err, "orchestrator: mark batch running")
	}
	if err := o.tracker.Load(ctx); err != nil {
		return nil, storeFailure(err, "orchestrator: load spend ledger")
	}

	raws, err := o.source.Fetch(ctx, batchTS)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: fetch raw listings")
	}
	log.Info("orchestrator: fetched raw listings", zap.Int("count", len(raws)))

	t := &tally{result: models.BatchResult{BatchTS: batchTS, Total: len(raws)}}

	ids, err := o.ingest(ctx, log, raws, batchTS, t)
	if err != nil {
		return &t.result, err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.BatchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			final, err := o.processSafely(gCtx, id)
			if err != nil {
				if IsStoreFailure(err) {
					return err
				}
				log.Warn("orchestrator: listing abandoned", zap.String("listing_id", id), zap.Error(err))
				t.add("")
				return nil
			}
			t.add(final)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &t.result, err
	}
	return &t.result, nil
}

// ingest normalizes and upserts every raw item, runs the fallback extractor
// over weak ones and returns the record ids still to be processed
func (o *Orchestrator) ingest(ctx context.Context, log *zap.Logger, raws []models.RawListing, batchTS time.Time, t *tally) ([]string, error) {
	var (
		ids  []string
		weak []models.RawListing
	)
	idsBySource := make(map[string]string)
	seen := make(map[string]bool)

	for _, raw := range raws {
		raw.BatchTS = batchTS
		normalized, confidence := normalize.Normalize(raw)
		rec := models.NewListingRecord(raw, normalized, confidence)

		current, err := o.store.UpsertListing(ctx, rec)
		if err != nil {
			return nil, storeFailure(err, "orchestrator: upsert listing")
		}
		if seen[rec.ID] {
			// Same item twice in one batch: the upsert refreshed it
			t.result.Total--
			continue
		}
		seen[rec.ID] = true

		if current.Terminal() {
			t.add(current)
			continue
		}
		ids = append(ids, rec.ID)
		if confidence < o.cfg.ConfidenceThreshold || normalized.MissingCritical() {
			weak = append(weak, raw)
			idsBySource[raw.SourceID] = rec.ID
		}
	}

	if len(weak) == 0 {
		return ids, nil
	}
	log.Info("orchestrator: running fallback extraction", zap.Int("count", len(weak)))

	for sourceID, fields := range o.stages.Fallback.Extract(ctx, weak) {
		id, ok := idsBySource[sourceID]
		if !ok {
			continue
		}
		normalized, confidence := normalize.Normalize(models.RawListing{Extracted: fields})
		if err := o.store.UpdateNormalized(ctx, id, normalized, confidence); err != nil {
			return nil, storeFailure(err, "orchestrator: update normalized listing")
		}
	}
	return ids, nil
}

// processSafely converts a panic in one listing's pipeline into an error
func (o *Orchestrator) processSafely(ctx context.Context, id string) (status models.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
		}
	}()
	return o.process(ctx, id)
}

func (o *Orchestrator) process(ctx context.Context, id string) (models.Status, error) {
	rec, err := o.store.GetListing(ctx, id)
	if err != nil {
		return "", storeFailure(err, "orchestrator: reload listing")
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}

	n := rec.Normalized
	log := o.logger.With(zap.String("source_id", rec.SourceID), zap.String("listing_id", rec.ID))

	if n.MissingCritical() {
		log.Info("orchestrator: missing critical fields")
		return o.setStatus(ctx, rec.ID, models.StatusNeedsHuman, nil)
	}

	trust := o.stages.Trust.Evaluate(ctx, rec.SourceID, n, rec.Confidence)
	anomaly := o.stages.Anomaly.Check(ctx, rec.SourceID, n)

	dups := o.stages.Dedupe.Check(ctx, rec.ID, rec.SourceID, n)
	if dups.Outcome == Failed {
		return "", dups.Err
	}
	if len(dups.Value) > 0 {
		log.Info("orchestrator: near-duplicates found", zap.Strings("similar", dups.Value))
	}

	decision := o.stages.Finalizer.Finalize(ctx, rec.SourceID, n, trust.Value.Score, dups.Value).Value

	// The record keeps the evaluator's trust; the final score goes on the snapshot
	evaluated := trust.Value.Score
	if !decision.Approve || evaluated < o.cfg.TrustScorePublish {
		return o.setStatus(ctx, rec.ID, models.StatusNeedsReview, &evaluated)
	}

	listing := models.TrustedListing{
		ID:        models.TrustedID(rec.ID),
		ListingID: rec.ID,
		Canonical: models.CanonicalListing{
			NormalizedListing: n,
			PriceBand:         decision.PriceBand,
			Summary:           decision.Summary,
			CachedImages:      o.stages.Assets.Cache(ctx, n.Images),
			PriceAssessment:   anomaly.Value,
		},
		TrustScore:  decision.TrustScore,
		Sources:     []string{rec.Source},
		PublishedAt: time.Now().UTC(),
		Status:      "active",
	}
	if err := o.store.PublishListing(ctx, listing, evaluated); err != nil {
		return "", o.classify(err, "orchestrator: publish listing")
	}
	log.Info("orchestrator: listing published", zap.Float64("trust_score", decision.TrustScore), zap.Bool("escalated", decision.Escalated))
	return models.StatusPublished, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, id string, status models.Status, trust *float64) (models.Status, error) {
	if err := o.store.SetStatus(ctx, id, status, trust); err != nil {
		return "", o.classify(err, "orchestrator: set status")
	}
	return status, nil
}

// classify keeps lost races on the state machine as item errors and
// everything else as store failures
func (o *Orchestrator) classify(err error, msg string) error {
	if eris.Is(err, models.ErrInvalidTransition) || eris.Is(err, storage.ErrNotFound) {
		return eris.Wrap(err, msg)
	}
	return storeFailure(err, msg)
}
