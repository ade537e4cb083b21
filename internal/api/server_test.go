package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
	"github.com/JakeFAU/sold-listings-crawler/internal/egress"
	"github.com/JakeFAU/sold-listings-crawler/internal/orchestrator"
)

type fakeSummaries struct {
	summary orchestrator.Summary
	ok      bool
}

func (f fakeSummaries) Live() (orchestrator.Summary, bool) {
	return f.summary, f.ok
}

type fakeFailures []crawler.FailureRecord

func (f fakeFailures) Records() []crawler.FailureRecord {
	return f
}

type panicPool struct{}

func (panicPool) Snapshot() []egress.EndpointStatus {
	panic("boom")
}

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil, nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReflectsCrawlState(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, fakeSummaries{}, nil, nil), "/readyz")
	assert.JSONEq(t, `{"status":"starting"}`, rec.Body.String())

	rec = serve(t, NewServer(nil, fakeSummaries{ok: true}, nil, nil), "/readyz")
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestEgressReportsPoolHealth(t *testing.T) {
	t.Parallel()

	pool := egress.New(egress.Config{Addresses: []string{"http://10.0.0.1:3128", "http://10.0.0.2:3128"}, FailureThreshold: 1}, nil)
	pool.Report("http://10.0.0.2:3128", egress.OutcomeBlocked)
	pool.Report("http://10.0.0.2:3128", egress.OutcomeBlocked)

	rec := serve(t, NewServer(pool, nil, nil, nil), "/v1/egress")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Endpoints []egress.EndpointStatus `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Endpoints, 2)
	health := map[string]egress.Health{}
	for _, ep := range body.Endpoints {
		health[ep.Address] = ep.Health
	}
	assert.Equal(t, egress.Healthy, health["http://10.0.0.1:3128"])
	assert.Equal(t, egress.Banned, health["http://10.0.0.2:3128"])
}

func TestEgressWithoutPool(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil, nil), "/v1/egress")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	live := orchestrator.Summary{Query: "ps5", Inserted: 4, Duplicates: 1, Running: true, Duration: time.Second}
	rec := serve(t, NewServer(nil, fakeSummaries{summary: live, ok: true}, nil, nil), "/v1/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var got orchestrator.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, live, got)

	rec = serve(t, NewServer(nil, fakeSummaries{}, nil, nil), "/v1/summary")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, NewServer(nil, nil, nil, nil), "/v1/summary")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFailures(t *testing.T) {
	t.Parallel()

	records := fakeFailures{{ID: "f1", URL: "https://www.ebay.co.uk/itm/1", Category: crawler.CategoryBlocked}}
	rec := serve(t, NewServer(nil, nil, records, nil), "/v1/failures")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.Contains(t, rec.Body.String(), `"category":"blocked"`)

	rec = serve(t, NewServer(nil, nil, nil, nil), "/v1/failures")
	assert.Contains(t, rec.Body.String(), `"failures":[]`)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, nil, nil, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(panicPool{}, nil, nil, nil), "/v1/egress")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	NewServer(nil, nil, nil, nil).Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
