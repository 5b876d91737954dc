package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cararth/listing-ingestion-service/internal/config"
	"github.com/cararth/listing-ingestion-service/internal/models"
)

// listingSchema asks the scraper for a list of structured listings per page
var listingSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"listings": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":        map[string]string{"type": "string"},
					"price":        map[string]string{"type": "string"},
					"year":         map[string]string{"type": "string"},
					"mileage":      map[string]string{"type": "string"},
					"fuel_type":    map[string]string{"type": "string"},
					"transmission": map[string]string{"type": "string"},
					"location":     map[string]string{"type": "string"},
					"images":       map[string]string{"type": "array"},
					"url":          map[string]string{"type": "string"},
					"contact":      map[string]string{"type": "string"},
				},
			},
		},
	},
}

type scrapeRequest struct {
	URL     string         `json:"url"`
	Formats []string       `json:"formats"`
	Extract map[string]any `json:"extract"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Markdown string `json:"markdown"`
		Extract  struct {
			Listings []map[string]any `json:"listings"`
		} `json:"extract"`
	} `json:"data"`
	Error string `json:"error"`
}

// Service fetches raw listings from the configured portals through the scrape API
type Service struct {
	config     config.IngestionConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	backoff    func(attempt int) time.Duration
}

// NewService creates a new ingestion service
func NewService(cfg config.IngestionConfig, logger *zap.Logger) *Service {
	limit := rate.Inf
	if cfg.PortalSpacing > 0 {
		limit = rate.Every(cfg.PortalSpacing)
	}
	return &Service{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		},
	}
}

// Fetch scrapes every portal once. A portal that keeps failing is logged
// and skipped; the batch goes ahead with whatever the others returned.
func (s *Service) Fetch(ctx context.Context, batchTS time.Time) ([]models.RawListing, error) {
	var all []models.RawListing

	for _, portal := range s.config.Portals {
		if err := s.limiter.Wait(ctx); err != nil {
			return all, eris.Wrap(err, "ingestion: waiting for rate limiter")
		}

		s.logger.Info("ingestion: scraping portal",
			zap.String("source", portal.Source),
			zap.Time("batch_ts", batchTS),
		)
		resp, err := s.scrape(ctx, portal)
		if err != nil {
			if ctx.Err() != nil {
				return all, eris.Wrap(ctx.Err(), "ingestion: fetch cancelled")
			}
			s.logger.Error("ingestion: portal failed, skipping",
				zap.String("source", portal.Source),
				zap.Error(err),
			)
			continue
		}

		listings := s.transform(portal, resp, batchTS)
		s.logger.Info("ingestion: extracted listings",
			zap.String("source", portal.Source),
			zap.Int("count", len(listings)),
		)
		all = append(all, listings...)
	}

	s.logger.Info("ingestion: total listings extracted", zap.Int("count", len(all)))
	return all, nil
}

// scrape calls the scrape API with retry logic
func (s *Service) scrape(ctx context.Context, portal config.Portal) (*scrapeResponse, error) {
	var lastErr error

	for attempt := 0; attempt < s.config.RetryCount; attempt++ {
		resp, err := s.scrapeOnce(ctx, portal)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if attempt < s.config.RetryCount-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff(attempt)):
			}
		}
	}

	return nil, eris.Wrapf(lastErr, "failed after %d attempts", s.config.RetryCount)
}

// scrapeOnce performs a single scrape attempt
func (s *Service) scrapeOnce(ctx context.Context, portal config.Portal) (*scrapeResponse, error) {
	payload, err := json.Marshal(scrapeRequest{
		URL:     portal.URL,
		Formats: []string{"extract", "markdown"},
		Extract: map[string]any{"schema": listingSchema},
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "failed to make request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read response body")
	}

	var out scrapeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal response")
	}
	if !out.Success {
		return nil, eris.Errorf("scrape unsuccessful: %s", out.Error)
	}
	return &out, nil
}

// transform turns extracted items into raw listings
func (s *Service) transform(portal config.Portal, resp *scrapeResponse, batchTS time.Time) []models.RawListing {
	listings := make([]models.RawListing, 0, len(resp.Data.Extract.Listings))

	for _, item := range resp.Data.Extract.Listings {
		if len(item) == 0 {
			continue
		}
		url, _ := item["url"].(string)
		listings = append(listings, models.RawListing{
			Source:    portal.Source,
			SourceID:  SourceID(portal.Source, item),
			URL:       url,
			Extracted: item,
			Content:   resp.Data.Markdown,
			BatchTS:   batchTS,
		})
	}
	return listings
}

// SourceID derives a stable per-portal id from the item's content.
// encoding/json sorts map keys, so equal items hash equally.
func SourceID(source string, item map[string]any) string {
	canonical, err := json.Marshal(item)
	if err != nil {
		canonical = []byte(source)
	}
	sum := sha256.Sum256(canonical)
	return source + "-" + hex.EncodeToString(sum[:])[:16]
}
