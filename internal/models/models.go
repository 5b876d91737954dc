package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Status is the lifecycle state of a ListingRecord
type Status string

const (
	StatusRaw         Status = "raw"
	StatusNeedsHuman  Status = "needs_human"
	StatusNeedsReview Status = "needs_review"
	StatusPublished   Status = "published"
)

// ErrInvalidTransition is returned when a status change breaks raw -> terminal
var ErrInvalidTransition = eris.New("invalid status transition")

// Terminal reports whether the status ends processing for a batch
func (s Status) Terminal() bool {
	return s == StatusNeedsHuman || s == StatusNeedsReview || s == StatusPublished
}

// CanTransition reports whether a record in status s may move to next.
// Records only leave raw, and only for a terminal status.
func (s Status) CanTransition(next Status) bool {
	return s == StatusRaw && next.Terminal()
}

// recordNamespace scopes name-based record ids
var recordNamespace = uuid.MustParse("6f1c2a4e-9d3b-5e7a-8c41-0b2d7e9f3a15")

// RecordID derives the stable id of a ListingRecord from its identity key
func RecordID(source, sourceID string, batchTS time.Time) string {
	key := source + "\x00" + sourceID + "\x00" + batchTS.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// TrustedID derives the id of the TrustedListing published for a record
func TrustedID(listingID string) string {
	return uuid.NewSHA1(recordNamespace, []byte("trusted\x00"+listingID)).String()
}

// ClampScore clamps a confidence or trust score to [0,1]
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RawListing is one scraped item exactly as captured
type RawListing struct {
	Source     string         `json:"source" bson:"source"`
	SourceID   string         `json:"source_id" bson:"source_id"`
	URL        string         `json:"url,omitempty" bson:"url,omitempty"`
	Extracted  map[string]any `json:"extracted,omitempty" bson:"extracted,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
	Content    string         `json:"content,omitempty" bson:"content,omitempty"`
	BatchTS    time.Time      `json:"batch_ts" bson:"batch_ts"`
}

// NormalizedListing is the canonical listing shape
type NormalizedListing struct {
	Title   string   `json:"title" bson:"title"`
	Make    string   `json:"make,omitempty" bson:"make,omitempty"`
	Model   string   `json:"model,omitempty" bson:"model,omitempty"`
	Year    int      `json:"year,omitempty" bson:"year,omitempty"`
	Price   *int64   `json:"price" bson:"price"`
	Mileage int      `json:"mileage,omitempty" bson:"mileage,omitempty"`
	City    string   `json:"city,omitempty" bson:"city,omitempty"`
	Images  []string `json:"images" bson:"images"`
	Contact string   `json:"contact,omitempty" bson:"contact,omitempty"`
}

// PriceValue returns the price or zero when unknown
func (n NormalizedListing) PriceValue() int64 {
	if n.Price == nil {
		return 0
	}
	return *n.Price
}

// MissingCritical reports a missing price or an empty image list
func (n NormalizedListing) MissingCritical() bool {
	return n.Price == nil || *n.Price <= 0 || len(n.Images) == 0
}

// ListingRecord is the stored state of one raw item within one batch
type ListingRecord struct {
	ID         string            `json:"id" bson:"_id"`
	Source     string            `json:"source" bson:"source"`
	SourceID   string            `json:"source_id" bson:"source_id"`
	Normalized NormalizedListing `json:"normalized" bson:"normalized"`
	Raw        RawListing        `json:"raw" bson:"raw"`
	Confidence float64           `json:"confidence" bson:"confidence"`
	TrustScore *float64          `json:"trust_score,omitempty" bson:"trust_score,omitempty"`
	Status     Status            `json:"status" bson:"status"`
	BatchTS    time.Time         `json:"batch_ts" bson:"batch_ts"`
	FetchedAt  time.Time         `json:"fetched_at" bson:"fetched_at"`
}

// NewListingRecord builds a raw record for a freshly normalized item
func NewListingRecord(raw RawListing, normalized NormalizedListing, confidence float64) *ListingRecord {
	return &ListingRecord{
		ID:         RecordID(raw.Source, raw.SourceID, raw.BatchTS),
		Source:     raw.Source,
		SourceID:   raw.SourceID,
		Normalized: normalized,
		Raw:        raw,
		Confidence: ClampScore(confidence),
		Status:     StatusRaw,
		BatchTS:    raw.BatchTS,
		FetchedAt:  time.Now().UTC(),
	}
}

// Embedding ties a vector to a ListingRecord id
type Embedding struct {
	ListingID string    `json:"listing_id" bson:"listing_id"`
	Vector    []float32 `json:"vector" bson:"vector"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// SpendEntry is the cumulative spend of one provider on one day
type SpendEntry struct {
	Date      string    `json:"date" bson:"date"`
	Provider  string    `json:"provider" bson:"model"`
	SpendUSD  float64   `json:"spend_usd" bson:"spend_usd"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// PriceBand is a low/median/high estimate with a confidence value
type PriceBand struct {
	Low        int64   `json:"low" bson:"low"`
	Median     int64   `json:"median" bson:"median"`
	High       int64   `json:"high" bson:"high"`
	Confidence float64 `json:"confidence" bson:"confidence"`
}

// AnomalyReport is the advisory market-price assessment
type AnomalyReport struct {
	ExpectedMedian int64   `json:"expected_median" bson:"expected_median"`
	DeviationPct   float64 `json:"deviation_pct" bson:"deviation_pct"`
	MarketLow      int64   `json:"market_low,omitempty" bson:"market_low,omitempty"`
	MarketHigh     int64   `json:"market_high,omitempty" bson:"market_high,omitempty"`
	Assessment     string  `json:"price_assessment,omitempty" bson:"price_assessment,omitempty"`
	Notes          string  `json:"notes,omitempty" bson:"notes,omitempty"`
}

// CanonicalListing is the published snapshot of a listing
type CanonicalListing struct {
	NormalizedListing `json:",inline" bson:",inline"`
	PriceBand         PriceBand      `json:"price_band" bson:"price_band"`
	Summary           string         `json:"summary" bson:"summary"`
	CachedImages      []string       `json:"cached_images" bson:"cached_images"`
	PriceAssessment   *AnomalyReport `json:"price_assessment,omitempty" bson:"price_assessment,omitempty"`
}

// TrustedListing is written once per publish event and never updated
type TrustedListing struct {
	ID          string           `json:"id" bson:"_id"`
	ListingID   string           `json:"listing_id" bson:"listing_id"`
	Canonical   CanonicalListing `json:"canonical" bson:"canonical"`
	TrustScore  float64          `json:"trust_score" bson:"trust_score"`
	Sources     []string         `json:"source_list" bson:"source_list"`
	PublishedAt time.Time        `json:"published_at" bson:"published_at"`
	Status      string           `json:"status" bson:"status"`
}

// BatchResult carries the outcome counts of one batch run
type BatchResult struct {
	BatchTS     time.Time `json:"batch_ts"`
	Total       int       `json:"total"`
	Published   int       `json:"published"`
	NeedsHuman  int       `json:"needs_human"`
	NeedsReview int       `json:"needs_review"`
	Abandoned   int       `json:"abandoned"`
}

// BatchStatus tracks the status of batch runs
type BatchStatus struct {
	BatchTS           time.Time `json:"batch_ts" bson:"batch_ts"`
	LastSuccessfulRun time.Time `json:"last_successful_run" bson:"last_successful_run"`
	LastAttempt       time.Time `json:"last_attempt" bson:"last_attempt"`
	Status            string    `json:"status" bson:"status"` // "success", "failure", "running"
	ErrorMessage      string    `json:"error_message,omitempty" bson:"error_message,omitempty"`
	Total             int       `json:"total" bson:"total"`
	Published         int       `json:"published" bson:"published"`
	NeedsHuman        int       `json:"needs_human" bson:"needs_human"`
	NeedsReview       int       `json:"needs_review" bson:"needs_review"`
}
