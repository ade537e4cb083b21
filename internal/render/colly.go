package render

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

// CollyConfig controls the HTTP renderer.
type CollyConfig struct {
	Timeout time.Duration
}

// Colly fetches raw HTML without executing JavaScript.
type Colly struct {
	cfg CollyConfig

	mu      sync.Mutex
	clients map[string]*egressClient
}

// egressClient is the connection pool and cookie jar shared by every request through one proxy.
type egressClient struct {
	transport *http.Transport
	jar       http.CookieJar
}

// NewColly builds the renderer.
func NewColly(cfg CollyConfig) *Colly {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Colly{
		cfg:     cfg,
		clients: make(map[string]*egressClient),
	}
}

// Render performs one GET through req.Proxy. Error statuses are returned as pages, not errors.
func (r *Colly) Render(ctx context.Context, req crawler.RenderRequest) (crawler.RenderedPage, error) {
	client, err := r.clientFor(req.Proxy)
	if err != nil {
		return crawler.RenderedPage{}, err
	}

	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.WithTransport(client.transport)
	collector.SetCookieJar(client.jar)
	collector.SetRequestTimeout(r.cfg.Timeout)
	if req.UserAgent != "" {
		collector.UserAgent = req.UserAgent
	}

	var (
		once     sync.Once
		page     crawler.RenderedPage
		fetchErr error
	)
	start := time.Now()
	collector.OnRequest(func(cr *colly.Request) {
		cr.Headers.Set("Accept", "text/html,application/xhtml+xml")
		cr.Headers.Set("Accept-Language", "en-GB,en;q=0.9")
	})
	collector.OnResponse(func(resp *colly.Response) {
		once.Do(func() {
			page = crawler.RenderedPage{
				URL:        req.URL,
				FinalURL:   resp.Request.URL.String(),
				StatusCode: resp.StatusCode,
				Body:       append([]byte(nil), resp.Body...),
				Duration:   time.Since(start),
				Egress:     req.Proxy,
			}
			if resp.Headers != nil {
				page.Headers = resp.Headers.Clone()
			}
		})
	})
	collector.OnError(func(resp *colly.Response, err error) {
		fetchErr = err
		if resp != nil && resp.StatusCode != 0 {
			page.StatusCode = resp.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.RenderedPage{URL: req.URL, Egress: req.Proxy}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			page.URL = req.URL
			page.Egress = req.Proxy
			return page, fmt.Errorf("colly visit failed: %w", err)
		}
		return page, nil
	}
}

func (r *Colly) clientFor(proxy string) (*egressClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[proxy]; ok {
		return c, nil
	}
	t := newHTTPTransport()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	c := &egressClient{transport: t, jar: jar}
	r.clients[proxy] = c
	return c, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
