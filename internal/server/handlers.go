package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/commrelay/commrelay/internal/ingestion"
	"github.com/commrelay/commrelay/internal/metrics"
	"github.com/commrelay/commrelay/internal/models"
	"github.com/commrelay/commrelay/internal/state"
)

// StateReader exposes a read-only view of the delivery state.
type StateReader interface {
	Snapshot() *state.Snapshot
	Stats() state.Stats
	Ping(ctx context.Context) error
}

// StatusBoard keeps the report of the most recent tick.
type StatusBoard struct {
	mu   sync.RWMutex
	last *ingestion.TickReport
}

// Publish replaces the current report.
func (b *StatusBoard) Publish(report ingestion.TickReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &report
}

// Last returns the most recent report, if any tick has finished.
func (b *StatusBoard) Last() (ingestion.TickReport, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return ingestion.TickReport{}, false
	}
	return *b.last, true
}

// Handler serves the operational endpoints.
type Handler struct {
	state     StateReader
	board     *StatusBoard
	collector *metrics.Collector
	version   string
	logger    *slog.Logger
	startTime time.Time
}

// NewHandler wires the routes onto a new mux. collector may be nil.
func NewHandler(store StateReader, board *StatusBoard, collector *metrics.Collector, version string, logger *slog.Logger) http.Handler {
	h := &Handler{
		state:     store,
		board:     board,
		collector: collector,
		version:   version,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /api/info", h.info)
	mux.HandleFunc("GET /api/state", h.stateSummary)
	mux.HandleFunc("GET /api/status", h.status)
	mux.Handle("GET /metrics", collector.Handler())

	return collector.InstrumentHandler(mux)
}

type markView struct {
	Source string `json:"source"`
	models.HighWaterMark
	SeenAt time.Time `json:"seen_at"`
}

type stateResponse struct {
	Sources int        `json:"sources"`
	Digests int        `json:"digests"`
	Marks   []markView `json:"marks"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.state.Ping(r.Context()); err != nil {
		h.logger.Warn("state backend unhealthy", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":        "commrelay",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

func (h *Handler) stateSummary(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot()
	resp := stateResponse{
		Sources: len(snap.Marks),
		Digests: len(snap.Digests),
		Marks:   make([]markView, 0, len(snap.Marks)),
	}
	for source, mark := range snap.Marks {
		resp.Marks = append(resp.Marks, markView{
			Source:        source,
			HighWaterMark: mark,
			SeenAt:        time.Unix(mark.Timestamp, 0).UTC(),
		})
	}
	sort.Slice(resp.Marks, func(i, j int) bool { return resp.Marks[i].Source < resp.Marks[j].Source })

	h.collector.SetStateSize(resp.Sources, resp.Digests)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	report, ok := h.board.Last()
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no tick has finished yet"})
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
