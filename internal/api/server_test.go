package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hacolby/scout/internal/config"
	ingestMemory "github.com/hacolby/scout/internal/ingest/memory"
	"github.com/hacolby/scout/internal/intake"
	"github.com/hacolby/scout/internal/monitor"
	"github.com/hacolby/scout/internal/queue/memory"
	"github.com/hacolby/scout/internal/relay"
	"github.com/hacolby/scout/internal/scout"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type sha256Stub struct{}

func (sha256Stub) Hash(data []byte) (string, error) {
	return fmt.Sprintf("h-%x", data), nil
}

type aliveProber struct{}

func (aliveProber) Check(context.Context, string) (scout.ProbeResult, error) {
	return scout.ProbeResult{Alive: true}, nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Queue:  config.QueueConfig{DefaultClaimLimit: 10, MaxClaimLimit: 100},
		Intake: config.IntakeConfig{MaxAttempts: 3, ClaimChunk: 10, MaxPerBatch: 50},
		Monitor: config.MonitorConfig{
			DefaultIntervalHours: 24,
			CheckTimeoutSec:      5,
		},
		Relay: config.RelayConfig{WorkerClientTag: "python", HeartbeatTimeoutSec: 90},
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *memory.Store) {
	t.Helper()
	clock := realClock{}
	store := memory.NewStore(&seqIDGen{}, clock)
	ingestor := ingestMemory.New(store, sha256Stub{}, nil)
	runner := intake.NewRunner(store, ingestor, clock, nil, intake.Config{
		MaxAttempts: cfg.Intake.MaxAttempts,
		ClaimChunk:  cfg.Intake.ClaimChunk,
	}, nil)
	mgr := monitor.NewManager(store, aliveProber{}, clock, monitor.Config{
		DefaultInterval: cfg.MonitorInterval(),
		CheckTimeout:    cfg.CheckTimeout(),
	}, nil)
	t.Cleanup(mgr.Stop)
	hub := relay.NewHub(clock, relay.Config{
		WorkerClientTag:  cfg.Relay.WorkerClientTag,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	}, nil)
	t.Cleanup(hub.Close)

	stores := Stores{Queue: store, Intake: store, Postings: store}
	return NewServer(stores, runner, mgr, hub, cfg, nil), store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestEnqueueAndClaimFlow(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/scrape-queue", map[string]any{
		"urls":     []string{"https://example.com/jobs?page=1"},
		"source":   "indeed",
		"priority": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	item := decodeBody(t, rec)["item"].(map[string]any)
	itemID := item["id"].(string)
	assert.Equal(t, "pending", item["status"])

	// Peek does not claim.
	rec = doJSON(t, h, http.MethodGet, "/api/scraper/queue/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["pending_count"])

	rec = doJSON(t, h, http.MethodGet, "/api/scrape-queue/pending?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	// The same batch is not claimable twice.
	rec = doJSON(t, h, http.MethodGet, "/api/scrape-queue/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])

	rec = doJSON(t, h, http.MethodPatch, "/api/scrape-queue/"+itemID, map[string]any{
		"status": "completed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["updated"])

	// A duplicate terminal report is acknowledged but not applied.
	rec = doJSON(t, h, http.MethodPatch, "/api/scrape-queue/"+itemID, map[string]any{
		"status": "failed", "error": "late",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["updated"])
}

func TestReportOutcomePersistsErrorMessage(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, testConfig())
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/scrape-queue", map[string]any{
		"urls": []string{"https://example.com/jobs?page=1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	itemID := decodeBody(t, rec)["item"].(map[string]any)["id"].(string)

	rec = doJSON(t, h, http.MethodGet, "/api/scrape-queue/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Workers report failures under "error_message".
	rec = doJSON(t, h, http.MethodPatch, "/api/scrape-queue/"+itemID, map[string]any{
		"status":        "failed",
		"error_message": "boom from scraper",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["updated"])

	item, ok := store.GetItem(context.Background(), itemID)
	require.True(t, ok)
	assert.Equal(t, scout.ItemStatusFailed, item.Status)
	assert.Equal(t, "boom from scraper", item.ErrorText)

	// The shorter "error" key still works.
	rec = doJSON(t, h, http.MethodPost, "/api/scrape-queue", map[string]any{
		"urls": []string{"https://example.com/jobs?page=2"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	secondID := decodeBody(t, rec)["item"].(map[string]any)["id"].(string)

	rec = doJSON(t, h, http.MethodGet, "/api/scrape-queue/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/api/scrape-queue/"+secondID, map[string]any{
		"status": "failed",
		"error":  "legacy key",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	item, ok = store.GetItem(context.Background(), secondID)
	require.True(t, ok)
	assert.Equal(t, "legacy key", item.ErrorText)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/scrape-queue", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/api/scrape-queue/whatever", map[string]any{
		"status": "claimed",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/scrape-queue/pending?max_age_hours=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatchAcceptsObjectAndArray(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, testConfig())
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/jobs/batch", map[string]any{
		"url":   "https://example.com/jobs/1",
		"title": "SRE",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["queued"])
	assert.Equal(t, float64(0), body["failed"])
	queueStatus := body["queue_status"].(map[string]any)
	assert.Equal(t, float64(1), queueStatus["processed"])
	assert.Equal(t, float64(0), queueStatus["pending"])

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/batch", []map[string]any{
		{"job_url": "https://example.com/jobs/2"},
		{"link": "https://example.com/jobs/3"},
		{"title": "no url at all"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["queued"])
	assert.Equal(t, float64(1), body["failed"])

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/batch", map[string]any{
		"jobs": []map[string]any{
			{"url": "https://example.com/jobs/4"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(1), body["queued"])

	// Every accepted submission became a posting via ingestion.
	counts, err := store.CountPostingsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[scout.MonitorStatusIdle])
}

func TestSubmitBatchRejectsMalformedBodies(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/batch", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/jobs/batch", []map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMonitoringEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/monitoring/start", map[string]any{
		"job_id":         "posting-1",
		"url":            "https://example.com/jobs/1",
		"interval_hours": 12,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "monitoring", decodeBody(t, rec)["status"])

	rec = doJSON(t, h, http.MethodPost, "/api/monitoring/check", map[string]any{
		"job_id": "posting-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job_active", decodeBody(t, rec)["status"])

	rec = doJSON(t, h, http.MethodGet, "/api/monitoring/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["tracked"])
	assert.Equal(t, float64(1), body["armed_wake_ups"])

	rec = doJSON(t, h, http.MethodGet, "/api/monitoring/status/posting-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(12), decodeBody(t, rec)["interval_hours"])

	rec = doJSON(t, h, http.MethodGet, "/api/monitoring/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/monitoring/start", map[string]any{
		"url": "https://example.com/jobs/1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchAndSocketStatus(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/dispatch", map[string]any{
		"action": "scrape",
		"url":    "https://example.com/jobs/1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["delivered"])

	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", bytes.NewBufferString("{broken"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/socket/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["connected_count"])
	assert.Equal(t, false, body["worker_pool_connected"])

	rec = doJSON(t, h, http.MethodGet, "/api/socket/status?timeout=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	h := srv.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/api/health"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestTimeoutMiddlewareWritesJSONError(t *testing.T) {
	t.Parallel()

	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	h := timeoutMiddleware(10 * time.Millisecond)(slow)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "request timed out", decodeBody(t, rec)["error"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "sesame"}
	srv, _ := newTestServer(t, cfg)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/socket/status", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/socket/status", nil)
	req.Header.Set("X-API-Key", "sesame")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/socket/status", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/socket/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Health probes stay open.
	rec = doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
