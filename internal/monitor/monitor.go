// Package monitor serves the built-in HTTP monitoring endpoints
// (SPEC_FULL.md §6): a static index page and three JSON endpoints backed
// by the accounting book and the connection governor. These are routed
// here by the demultiplexer's HTTP branch instead of a dedicated
// net/http.Server on its own port — unlike the teacher's monitor package,
// which binds amirdlt/flex to 0.0.0.0:6171 (dropped; see DESIGN.md) — so
// the core never opens a second listening socket.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/xtls-vision/vlessd/internal/accounting"
	"github.com/xtls-vision/vlessd/internal/governor"
)

// defaultIndex is the minimal built-in page NewHandler installs as
// Handler.Index, which is served for GET /. A caller may replace
// Handler.Index with its own asset bytes.
var defaultIndex = []byte("<html><body><h1>vlessd</h1></body></html>")

// ConfigView is the JSON shape returned by GET /api/config: only the
// fields safe to expose publicly (no certificates, no user UUIDs).
type ConfigView struct {
	Protocol       string `json:"protocol"`
	WSPath         string `json:"ws_path,omitempty"`
	MaxConnections int    `json:"max_connections"`
	TLSEnabled     bool   `json:"tls_enabled"`
}

// StatsView is the JSON shape returned by GET /api/stats.
type StatsView struct {
	ActiveConnections int64                          `json:"active_connections"`
	RejectedTotal     int64                          `json:"rejected_total"`
	Users             map[string]accounting.Counters `json:"users"`
}

// speedSample is one point in the in-memory speed-history ring buffer.
type speedSample struct {
	Timestamp time.Time `json:"timestamp"`
	Upload    int64     `json:"upload_bytes_per_sec"`
	Download  int64     `json:"download_bytes_per_sec"`
}

// Handler serves the four monitoring endpoints over a net/http.Handler,
// so the demux's HTTP branch can route to it like any other request.
type Handler struct {
	Book   *accounting.Book
	Gov    *governor.Governor
	Config ConfigView
	Index  []byte

	mu      sync.Mutex
	history []speedSample
	last    accounting.Counters
	lastAt  time.Time
}

// NewHandler builds a monitoring Handler over the given collaborators.
func NewHandler(book *accounting.Book, gov *governor.Governor, cfg ConfigView) *Handler {
	return &Handler{Book: book, Gov: gov, Config: cfg, Index: defaultIndex}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/":
		h.serveIndex(w, r)
	case "/api/stats":
		h.serveStats(w, r)
	case "/api/speed-history":
		h.serveSpeedHistory(w, r)
	case "/api/config":
		h.serveConfig(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(h.Index)
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	view := StatsView{
		ActiveConnections: h.Gov.Active(),
		RejectedTotal:     h.Gov.Rejected(),
		Users:             h.Book.Snapshot(),
	}
	writeJSON(w, view)
}

// RecordSample appends one speed-history data point, derived from the
// delta against the last recorded totals. Callers (cmd/vlessd's
// sampleSpeedPeriodically ticker) are responsible for calling this at a
// steady interval.
func (h *Handler) RecordSample(now time.Time, totals accounting.Counters, capHistory int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lastAt.IsZero() {
		elapsed := now.Sub(h.lastAt).Seconds()
		if elapsed > 0 {
			h.history = append(h.history, speedSample{
				Timestamp: now,
				Upload:    int64(float64(totals.Upload-h.last.Upload) / elapsed),
				Download:  int64(float64(totals.Download-h.last.Download) / elapsed),
			})
			if capHistory > 0 && len(h.history) > capHistory {
				h.history = h.history[len(h.history)-capHistory:]
			}
		}
	}
	h.last = totals
	h.lastAt = now
}

func (h *Handler) serveSpeedHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.mu.Lock()
	samples := make([]speedSample, len(h.history))
	copy(samples, h.history)
	h.mu.Unlock()
	writeJSON(w, samples)
}

func (h *Handler) serveConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Config)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
