// Package assets caches listing images locally and republishes them on
// durable storage.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cararth/listing-ingestion-service/internal/config"
)

// Pipeline downloads and uploads listing images with bounded concurrency
type Pipeline struct {
	uploader    Uploader
	httpClient  *http.Client
	dir         string
	maxImages   int
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

// NewPipeline creates an asset pipeline
func NewPipeline(cfg config.AssetsConfig, uploader Uploader, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		uploader:    uploader,
		httpClient:  &http.Client{},
		dir:         cfg.LocalDir,
		maxImages:   cfg.MaxImages,
		concurrency: cfg.Concurrency,
		timeout:     cfg.DownloadTimeout,
		logger:      logger,
	}
}

// Cache returns durable URLs for the first images of a listing, in input
// order. Repeated images are fetched once. Images that fail to download or
// upload are left out.
func (p *Pipeline) Cache(ctx context.Context, urls []string) []string {
	urls = uniqueByLocalName(urls)
	if len(urls) > p.maxImages {
		urls = urls[:p.maxImages]
	}
	if len(urls) == 0 {
		return []string{}
	}

	results := make([]string, len(urls))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, u := range urls {
		g.Go(func() error {
			log := p.logger.With(zap.String("url", u))

			local, err := p.download(gCtx, u)
			if err != nil {
				log.Warn("assets: download failed", zap.Error(err))
				return nil
			}

			public, err := p.uploader.Upload(gCtx, local)
			if err != nil {
				log.Warn("assets: upload failed", zap.String("fallback", public), zap.Error(err))
				return nil
			}
			results[i] = public
			return nil
		})
	}
	g.Wait()

	cached := make([]string, 0, len(results))
	for _, r := range results {
		if r != "" {
			cached = append(cached, r)
		}
	}
	return cached
}

// uniqueByLocalName keeps the first URL for each local file name
func uniqueByLocalName(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		name := LocalName(u)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, u)
	}
	return out
}

func (p *Pipeline) download(ctx context.Context, rawURL string) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "failed to create request")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "failed to make request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", eris.Errorf("image returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "failed to create %s", p.dir)
	}
	local := filepath.Join(p.dir, LocalName(rawURL))
	f, err := os.Create(local)
	if err != nil {
		return "", eris.Wrapf(err, "failed to create %s", local)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(local)
		return "", eris.Wrap(err, "failed to write image")
	}
	return local, eris.Wrap(f.Close(), "failed to close image")
}

// LocalName derives a stable file name from an image URL: a content-free
// hash of the URL plus at most six characters of its extension.
func LocalName(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:])[:16]

	p, _, _ := strings.Cut(rawURL, "?")
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := path.Ext(p)
	if len(ext) > 6 {
		ext = ext[:6]
	}
	return name + ext
}
