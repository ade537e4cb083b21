package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

// ErrRendererClosed is returned by calls made after Close.
var ErrRendererClosed = errors.New("renderer closed")

// ChromedpConfig controls the headless browser.
type ChromedpConfig struct {
	MaxConcurrency int
	Timeout        time.Duration
	Settle         time.Duration
	WaitSelector   string
	Headless       bool
}

type browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (b *browser) shutdown() {
	b.cancel()
	b.allocCancel()
}

// Chromedp renders pages in headless Chrome, one browser process per proxy address.
type Chromedp struct {
	cfg    ChromedpConfig
	sem    chan struct{}
	logger *zap.Logger

	start  func(proxy string) (*browser, error)
	starts singleflight.Group

	mu       sync.Mutex
	browsers map[string]*browser
	closed   bool
}

// NewChromedp builds the renderer. Browsers start lazily on first use of each proxy.
func NewChromedp(cfg ChromedpConfig, logger *zap.Logger) (*Chromedp, error) {
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must be >= 0")
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Chromedp{
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		logger:   logger.Named("chromedp"),
		browsers: make(map[string]*browser),
	}
	r.start = r.startBrowser
	return r, nil
}

// Close shuts down every browser process.
func (r *Chromedp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for proxy, b := range r.browsers {
		b.shutdown()
		delete(r.browsers, proxy)
	}
	return nil
}

// Render navigates to req.URL and returns the rendered DOM.
func (r *Chromedp) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderedPage, error) {
	release, err := r.acquireSlot(ctx)
	if err != nil {
		return crawler.RenderedPage{}, err
	}
	defer release()

	tabCtx, cancel, err := r.newTab(ctx, req.Proxy)
	if err != nil {
		return crawler.RenderedPage{}, err
	}
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	var html, finalURL string
	actions := chromedp.Tasks{
		r.networkSetup(req.UserAgent),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(r.cfg.WaitSelector, chromedp.ByQuery),
	}
	if r.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(r.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(tabCtx, actions); err != nil {
		if ctxErr := tabCtx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		status, headers, _ := meta.snapshot()
		return crawler.RenderedPage{
			URL:        req.URL,
			StatusCode: status,
			Headers:    headers,
			Duration:   time.Since(start),
			Egress:     req.Proxy,
		}, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	return crawler.RenderedPage{
		URL:        req.URL,
		FinalURL:   responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Egress:     req.Proxy,
	}, nil
}

// Screenshot loads req.URL and captures a full-page PNG.
func (r *Chromedp) Screenshot(ctx context.Context, req crawler.RenderRequest) ([]byte, error) {
	release, err := r.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tabCtx, cancel, err := r.newTab(ctx, req.Proxy)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var buf []byte
	if err := chromedp.Run(tabCtx,
		r.networkSetup(req.UserAgent),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.FullScreenshot(&buf, 100),
	); err != nil {
		return nil, fmt.Errorf("chromedp screenshot: %w", err)
	}
	return buf, nil
}

func (r *Chromedp) newTab(ctx context.Context, proxy string) (context.Context, context.CancelFunc, error) {
	b, err := r.browserFor(proxy)
	if err != nil {
		return nil, nil, err
	}
	tabCtx, cancelTab := chromedp.NewContext(b.ctx)
	deadline := time.Now().Add(r.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	taskCtx, cancelTask := context.WithDeadline(tabCtx, deadline)
	stop := context.AfterFunc(ctx, cancelTask)
	return taskCtx, func() {
		stop()
		cancelTask()
		cancelTab()
	}, nil
}

// browserFor returns the live browser for proxy, starting one when none is cached or the cached one
// has exited. Browsers start outside r.mu; concurrent callers for one proxy share a single start.
func (r *Chromedp) browserFor(proxy string) (*browser, error) {
	if b, err := r.cachedBrowser(proxy); b != nil || err != nil {
		return b, err
	}
	v, err, _ := r.starts.Do(proxy, func() (any, error) {
		if b, err := r.cachedBrowser(proxy); b != nil || err != nil {
			return b, err
		}
		b, err := r.start(proxy)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			b.shutdown()
			return nil, ErrRendererClosed
		}
		r.browsers[proxy] = b
		r.logger.Debug("browser started", zap.String("proxy", proxy))
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*browser), nil
}

// cachedBrowser returns the cached browser for proxy if it is still alive, evicting it otherwise.
func (r *Chromedp) cachedBrowser(proxy string) (*browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRendererClosed
	}
	b, ok := r.browsers[proxy]
	if !ok {
		return nil, nil
	}
	if b.ctx.Err() == nil {
		return b, nil
	}
	delete(r.browsers, proxy)
	b.shutdown()
	r.logger.Warn("browser exited, restarting", zap.String("proxy", proxy), zap.Error(b.ctx.Err()))
	return nil, nil
}

func (r *Chromedp) startBrowser(proxy string) (*browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:0:0], chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", r.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &browser{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}, nil
}

func (r *Chromedp) networkSetup(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Chromedp) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

// responseMeta records the first document response seen by a tab.
type responseMeta struct {
	mu      sync.RWMutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen {
		return
	}
	m.seen = true
	m.status = int(resp.Response.Status)
	m.headers = headersFromNetwork(resp.Response.Headers)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func headersFromNetwork(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}
