package query

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"dishmon/internal/speedtest"
	"dishmon/internal/storage"
	"dishmon/pkg/logx"
)

// ServerConfig controls the JSON read API.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type ServerConfig struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8099"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// Server exposes the facade over HTTP. All endpoints return JSON; the only
// mutating routes are the speed-test trigger and the schedule update.
type Server struct {
	cfg    ServerConfig
	facade *Facade
	log    logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func NewServer(cfg ServerConfig, facade *Facade, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), facade: facade, log: log}
}

// Start binds and serves in the background. Disabled or refused configs log
// and return nil; the API is an optional surface, never fatal.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}

	addr := s.cfg.Addr
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("api refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return nil
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.ln, s.srv = ln, srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if ln != nil {
		_ = ln.Close()
	}
	_ = srv.Shutdown(ctx)
	s.log.Info("api stopped")
}

// Handler builds the route table. Split out so tests can drive it with
// httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(h) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/status", wrap(s.handleStatus))
	mux.HandleFunc("/api/history", wrap(s.handleHistory))
	mux.HandleFunc("/api/outages", wrap(s.handleOutages))
	mux.HandleFunc("/api/speedtests", wrap(s.handleSpeedTests))
	mux.HandleFunc("/api/speedtest/run", wrap(s.handleTrigger))
	mux.HandleFunc("/api/schedule", wrap(s.handleSchedule))
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	st, err := s.facade.CurrentStatus(r.Context())
	if err != nil {
		s.log.Error("status query failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	from, to, err := parseRange(r, 24*time.Hour)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	g := storage.Granularity(r.URL.Query().Get("granularity"))
	series, err := s.facade.History(r.Context(), from, to, g)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	from, to, err := parseRange(r, 7*24*time.Hour)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.facade.Outages(r.Context(), from, to)
	if err != nil {
		s.log.Error("outage query failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "outages unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outages": events})
}

func (s *Server) handleSpeedTests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	results, err := s.facade.SpeedTestHistory(r.Context(), limit)
	if err != nil {
		s.log.Error("speedtest query failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "results unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	switch err := s.facade.TriggerSpeedTest(); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	case errors.Is(err, speedtest.ErrTestInProgress):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("trigger failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "trigger failed")
	}
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.facade.Schedule())
	case http.MethodPut, http.MethodPost:
		var body struct {
			Rule    string `json:"recurrence_rule"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}
		rec, err := s.facade.SetSchedule(r.Context(), body.Rule, body.Enabled)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		writeErr(w, http.StatusMethodNotAllowed, "GET or PUT")
	}
}

func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeErr(w, http.StatusUnauthorized, "unauthorized")
	}
}

// parseRange reads from/to query params as RFC 3339 or unix seconds,
// defaulting to the trailing span ending now.
func parseRange(r *http.Request, span time.Duration) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-span)
	var err error
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = to.Add(-span)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, errors.New("invalid time, use RFC 3339 or unix seconds")
	}
	return time.Unix(sec, 0).UTC(), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
