// Package api serves the session over HTTP.
// GET endpoints are public and read-only.
// POST /api/v1/params requires a bearer token and is rate limited.
package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ncruces/go-strftime"

	"github.com/talgya/shellcloud/internal/metrics"
	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/persistence"
	"github.com/talgya/shellcloud/internal/session"
)

const timeFormat = "%Y-%m-%d %H:%M:%S"

// Server serves one session over HTTP.
type Server struct {
	Session  *session.Session
	DB       *persistence.DB  // optional; /history answers 503 without it
	Metrics  *metrics.Metrics // optional
	Stream   *Broadcaster
	Limiter  *RateLimiter // nil disables rate limiting
	Addr     string
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	MaxStreamClients int
	HistoryLimit     int
	Heartbeat        time.Duration

	started  time.Time
	sseConns atomic.Int32
	srv      *http.Server
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	if s.Stream == nil {
		s.Stream = NewBroadcaster()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/shells", s.handleShells)
	mux.HandleFunc("/api/v1/solution", s.handleSolution)
	mux.HandleFunc("/api/v1/cloud", s.handleCloud)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/stream", s.handleStream)

	edit := s.handleParams
	if s.Limiter != nil {
		limited := RateLimitMiddleware(s.Limiter, s.handleParams)
		edit = func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				limited(w, r)
				return
			}
			s.handleParams(w, r)
		}
	}
	mux.HandleFunc("/api/v1/params", s.adminOnly(edit))

	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Limiter != nil {
		s.Limiter.Stop()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware allows localhost dev servers plus any origin listed in
// SHELLCLOUD_CORS_ORIGINS (comma-separated).
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("SHELLCLOUD_CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly requires the bearer token on POST. GET passes through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "parameter edits disabled (no SHELLCLOUD_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	opts := s.Session.Options()
	stats := s.Session.Stats()
	snap := s.Session.Snapshot()

	status := map[string]any{
		"name":           "shellcloud",
		"session_id":     s.Session.ID,
		"solver":         s.Session.SolverName(),
		"state":          s.Session.State().String(),
		"params":         snap.Params,
		"eigenvalue":     snap.Solution.Eigenvalue,
		"layers":         opts.Layers,
		"grid":           opts.Grid,
		"stats":          stats,
		"redraws":        s.Stream.Seq(),
		"stream_clients": s.Stream.Count(),
		"started_at":     strftime.Format(timeFormat, s.started),
		"started":        humanize.Time(s.started),
	}
	if pc := snap.Cloud; pc != nil {
		status["points"] = pc.Points()
		status["buffer_bytes"] = humanize.Bytes(uint64(len(pc.Positions) * 4))
		status["version"] = pc.Version
		status["updated_at"] = strftime.Format(timeFormat, pc.UpdatedAt)
	}
	if !stats.LastCommit.IsZero() {
		status["last_commit"] = humanize.Time(stats.LastCommit)
	}
	writeJSON(w, status)
}

type editRequest struct {
	Field string  `json:"field"`
	Value float64 `json:"value"`
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{
			"params": s.Session.Params(),
			"limits": s.Session.Options().Limits,
		})
	case http.MethodPost:
		var req editRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		field, err := params.ParseField(req.Field)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := s.Session.ProposeChange(r.Context(), field, req.Value)
		switch {
		case err == nil:
			writeJSON(w, res)
		case isValidation(err):
			writeJSONStatus(w, http.StatusUnprocessableEntity, res)
		default:
			writeJSONStatus(w, http.StatusBadGateway, res)
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func isValidation(err error) bool {
	return errors.Is(err, params.ErrInvalidQuantumState) ||
		errors.Is(err, params.ErrOutOfRange) ||
		errors.Is(err, params.ErrNotInteger) ||
		errors.Is(err, params.ErrUnknownField)
}

func (s *Server) handleShells(w http.ResponseWriter, r *http.Request) {
	snap := s.Session.Snapshot()
	if snap.Cloud == nil {
		http.Error(w, "no point cloud yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap.Shells)
}

func (s *Server) handleSolution(w http.ResponseWriter, r *http.Request) {
	snap := s.Session.Snapshot()
	if snap.Cloud == nil {
		http.Error(w, "no point cloud yet", http.StatusServiceUnavailable)
		return
	}
	sol := snap.Solution
	writeJSON(w, map[string]any{
		"params":     snap.Params,
		"solver":     s.Session.SolverName(),
		"eigenvalue": sol.Eigenvalue,
		"radii":      sol.Radii,
		"values":     sol.Values,
	})
}

// handleCloud returns the positions as JSON, or as packed little-endian
// float32 xyz triples with ?format=bin.
func (s *Server) handleCloud(w http.ResponseWriter, r *http.Request) {
	pc := s.Session.Cloud()
	if pc == nil {
		http.Error(w, "no point cloud yet", http.StatusServiceUnavailable)
		return
	}

	if r.URL.Query().Get("format") != "bin" {
		writeJSON(w, pc)
		return
	}

	buf := make([]byte, 0, len(pc.Positions)*4)
	for _, v := range pc.Positions {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.Header().Set("X-Cloud-Version", strconv.FormatUint(pc.Version, 10))
	w.Header().Set("X-Cloud-Points", strconv.Itoa(pc.Points()))
	w.Header().Set("X-Point-Size", strconv.FormatFloat(float64(pc.PointSize), 'g', -1, 32))
	w.Write(buf)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "history unavailable (no database)", http.StatusServiceUnavailable)
		return
	}
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	edits, err := s.DB.RecentEdits(limit)
	if err != nil {
		slog.Error("failed to load edit history", "error", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if edits == nil {
		edits = []persistence.Edit{}
	}
	writeJSON(w, edits)
}

type redrawPayload struct {
	Seq     uint64        `json:"seq"`
	Version uint64        `json:"version"`
	Params  params.Params `json:"params"`
	Points  int           `json:"points"`
	At      string        `json:"at"`
}

func payloadFor(e RedrawEvent) redrawPayload {
	return redrawPayload{
		Seq:     e.Seq,
		Version: e.Version,
		Params:  e.Params,
		Points:  e.Points,
		At:      strftime.Format(timeFormat, e.At),
	}
}

// handleStream sends a "hello" event with the current state, then one
// "redraw" event per committed recompute, with comment heartbeats between.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	limit := int32(s.MaxStreamClients)
	if limit <= 0 {
		limit = 50
	}
	current := s.sseConns.Add(1)
	if current > limit {
		s.sseConns.Add(-1)
		http.Error(w, "too many SSE connections", http.StatusServiceUnavailable)
		return
	}
	defer s.sseConns.Add(-1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID, ch := s.Stream.Subscribe()
	defer s.Stream.Unsubscribe(subID)
	if s.Metrics != nil {
		s.Metrics.StreamClients.Inc()
		defer s.Metrics.StreamClients.Dec()
	}

	writeSSEEvent(w, "hello", payloadFor(eventFor(s.Stream.Seq(), time.Now(), s.Session.Snapshot())))
	flusher.Flush()
	slog.Info("SSE client connected", "sub_id", subID)

	interval := s.Heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, "redraw", payloadFor(e))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
