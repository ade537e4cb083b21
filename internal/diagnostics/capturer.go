// Package diagnostics records evidence for failed crawl tasks: a screenshot of the page, the
// rendered HTML, and a JSON failure record, written to a blob store.
//
// Capture never fails the crawl. Every internal fault is logged and the record is returned with
// whichever artifact paths were written.
package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
	"github.com/JakeFAU/sold-listings-crawler/internal/hash/sha256"
	"github.com/JakeFAU/sold-listings-crawler/internal/metrics"
)

const (
	timestampLayout          = "20060102T150405.000Z"
	urlDigestLength          = 12
	idSuffixLength           = 8
	defaultScreenshotTimeout = 20 * time.Second
)

// Config controls artifact naming and capture behavior.
type Config struct {
	Prefix            string
	Screenshots       bool
	ScreenshotTimeout time.Duration
}

// Capturer writes failure artifacts and keeps the records produced during a run.
type Capturer struct {
	cfg         Config
	blobs       crawler.BlobStore
	snapshotter crawler.Snapshotter
	hasher      crawler.Hasher
	ids         crawler.IDGenerator
	clock       crawler.Clock
	logger      *zap.Logger
	location    string

	mu      sync.Mutex
	records []crawler.FailureRecord
}

// New builds a Capturer. snapshotter may be nil when no browser is available.
func New(
	cfg Config,
	blobs crawler.BlobStore,
	snapshotter crawler.Snapshotter,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScreenshotTimeout <= 0 {
		cfg.ScreenshotTimeout = defaultScreenshotTimeout
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	location := ""
	if l, ok := blobs.(interface{ Location() string }); ok {
		location = l.Location()
		if cfg.Prefix != "" {
			location = strings.TrimSuffix(location, "/") + "/" + cfg.Prefix
		}
	}
	return &Capturer{
		cfg:         cfg,
		blobs:       blobs,
		snapshotter: snapshotter,
		hasher:      sha256.New(),
		ids:         ids,
		clock:       clock,
		logger:      logger.Named("diagnostics"),
		location:    location,
	}
}

// Location describes where artifacts are written.
func (c *Capturer) Location() string {
	return c.location
}

// Capture records a failed task. page may be nil when nothing was rendered.
func (c *Capturer) Capture(ctx context.Context, task crawler.CrawlTask, page *crawler.RenderedPage, cause error) crawler.FailureRecord {
	now := c.clock.Now().UTC()
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Warn("generate failure id", zap.Error(err))
		id = fmt.Sprintf("%016x", now.UnixNano())
	}
	record := crawler.FailureRecord{
		ID:        id,
		URL:       task.URL,
		Role:      task.Role,
		Timestamp: now,
		Category:  crawler.Category(cause),
		Attempts:  task.Attempt,
	}
	if cause != nil {
		record.Message = cause.Error()
	}

	base := c.artifactName(now, task.URL, id)
	logger := c.logger.With(zap.String("url", task.URL), zap.String("failure_id", id))

	if page != nil && len(page.Body) > 0 {
		if digest, err := c.hasher.Hash(page.Body); err == nil {
			record.HTMLSHA256 = digest
		}
		uri, err := c.put(ctx, base+".html", "text/html; charset=utf-8", page.Body)
		if err != nil {
			logger.Warn("write failure html", zap.Error(err))
		} else {
			record.HTMLPath = uri
		}
	}
	if c.cfg.Screenshots && c.snapshotter != nil {
		if uri, err := c.screenshot(ctx, base, task, page); err != nil {
			logger.Warn("capture screenshot", zap.Error(err))
		} else {
			record.SnapshotPath = uri
		}
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		logger.Warn("encode failure record", zap.Error(err))
	} else if _, err := c.put(ctx, base+".json", "application/json", payload); err != nil {
		logger.Warn("write failure record", zap.Error(err))
	}

	c.mu.Lock()
	c.records = append(c.records, record)
	c.mu.Unlock()

	metrics.ObserveFailure(string(record.Category))
	logger.Info("failure captured",
		zap.String("category", string(record.Category)),
		zap.Int("attempts", record.Attempts),
		zap.String("message", record.Message),
	)
	return record
}

// Records returns a copy of the failure records captured so far.
func (c *Capturer) Records() []crawler.FailureRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]crawler.FailureRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Count returns the number of captured failures.
func (c *Capturer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Capturer) screenshot(ctx context.Context, base string, task crawler.CrawlTask, page *crawler.RenderedPage) (string, error) {
	req := crawler.RenderRequest{URL: task.URL}
	if page != nil {
		req.Proxy = page.Egress
		if page.FinalURL != "" {
			req.URL = page.FinalURL
		}
	}
	// The crawl may be winding down; the snapshot gets its own budget.
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ScreenshotTimeout)
	defer cancel()
	png, err := c.snapshotter.Screenshot(shotCtx, req)
	if err != nil {
		return "", fmt.Errorf("screenshot %s: %w", req.URL, err)
	}
	return c.put(ctx, base+".png", "image/png", png)
}

func (c *Capturer) put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	uri, err := c.blobs.PutObject(context.WithoutCancel(ctx), name, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return uri, nil
}

func (c *Capturer) artifactName(now time.Time, url, id string) string {
	// UUIDv7 leads with the timestamp; the tail carries the random bits.
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > idSuffixLength {
		short = short[len(short)-idSuffixLength:]
	}
	name := fmt.Sprintf("%s_%s_%s", now.Format(timestampLayout), sha256.Fingerprint(url, urlDigestLength), short)
	if c.cfg.Prefix == "" {
		return name
	}
	return c.cfg.Prefix + "/" + name
}
