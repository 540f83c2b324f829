package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commrelay/commrelay/internal/ingestion"
	"github.com/commrelay/commrelay/internal/metrics"
	"github.com/commrelay/commrelay/internal/models"
	"github.com/commrelay/commrelay/internal/state"
)

func newTestHandler(t *testing.T) (http.Handler, *state.Store, *StatusBoard) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := state.Open(context.Background(), state.NewJSONFileBackend(filepath.Join(t.TempDir(), "cache.json")))
	require.NoError(t, err)

	collector, err := metrics.NewCollector()
	require.NoError(t, err)

	board := &StatusBoard{}
	return NewHandler(store, board, collector, "test", logger), store, board
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestStateSummary(t *testing.T) {
	h, store, _ := newTestHandler(t)
	ctx := context.Background()

	_, err := store.SetHighWaterMark(ctx, "-2", models.HighWaterMark{Timestamp: 1700000000, ItemID: 5})
	require.NoError(t, err)
	_, err = store.SetHighWaterMark(ctx, "-1", models.HighWaterMark{Timestamp: 1700000100, ItemID: 9})
	require.NoError(t, err)
	require.NoError(t, store.Record(ctx, "-1_9", 1700000100))

	rr := get(t, h, "/api/state")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp stateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Sources)
	assert.Equal(t, 1, resp.Digests)
	require.Len(t, resp.Marks, 2)
	assert.Equal(t, "-1", resp.Marks[0].Source)
	assert.Equal(t, int64(9), resp.Marks[0].ItemID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), resp.Marks[1].SeenAt)

	metricsBody := get(t, h, "/metrics").Body.String()
	assert.Contains(t, metricsBody, "commrelay_state_digests 1")
	assert.Contains(t, metricsBody, `commrelay_http_requests_total{method="GET",path="/api/state",status="200"} 1`)
}

func TestStatus(t *testing.T) {
	h, _, board := newTestHandler(t)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/status").Code)

	board.Publish(ingestion.TickReport{
		RunID: "run-1",
		Sources: []ingestion.SourceResult{
			{Ref: "club1", Name: "Club", Status: ingestion.StatusOK, Delivered: 3},
		},
	})

	rr := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var report ingestion.TickReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "run-1", report.RunID)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, 3, report.Sources[0].Delivered)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/state", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

type unreachableState struct {
	*state.Store
}

func (unreachableState) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestHealthzReportsBackendFailure(t *testing.T) {
	_, store, board := newTestHandler(t)
	h := NewHandler(unreachableState{store}, board, nil, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))

	rr := get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "connection refused")
}
