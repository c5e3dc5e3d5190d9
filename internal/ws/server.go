package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/livechat/sessionstate/internal/chat"
	"github.com/livechat/sessionstate/internal/config"
	"github.com/livechat/sessionstate/internal/session"
)

// maxEventBody caps the size of a POST /api/events request.
const maxEventBody = 1 << 20

type Server struct {
	config         *config.Config
	store          *session.Store
	broadcaster    *Broadcaster
	privacy        *session.PrivacyFilter
	log            *zap.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	started        time.Time
}

func NewServer(cfg *config.Config, store *session.Store, broadcaster *Broadcaster, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		config:         cfg,
		store:          store,
		broadcaster:    broadcaster,
		privacy:        cfg.Privacy.NewPrivacyFilter(),
		log:            log.Named("http"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		started:        time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Routes builds the HTTP handler for the websocket feed and the JSON API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/ws", s.handleWS)
		r.Get("/api/state", s.handleState)
		r.Post("/api/events", s.handleEvents)
	})

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn("ws client rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		conn.Close()
		return
	}

	s.log.Info("ws client connected", zap.String("remote", r.RemoteAddr), zap.Stringer("client", c.id))
	go s.readLoop(c, r.RemoteAddr)
}

// readLoop drains client frames until the connection fails. A resync frame
// triggers an immediate snapshot; every other frame is ignored.
func (s *Server) readLoop(c *client, remote string) {
	defer func() {
		s.broadcaster.RemoveClient(c)
		s.log.Info("ws client disconnected", zap.String("remote", remote), zap.Stringer("client", c.id))
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == MsgResync {
			s.broadcaster.Resync(c)
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WSMessage{
		Type:    MsgSnapshot,
		Seq:     s.store.Seq(),
		Payload: s.privacy.Apply(s.store.Snapshot()),
	})
}

// EventResult reports what happened to one posted envelope.
type EventResult struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type eventsResponse struct {
	Seq     uint64        `json:"seq"`
	Results []EventResult `json:"results"`
}

// handleEvents accepts one envelope or an array of envelopes and
// dispatches them in order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	envs, err := decodeEnvelopes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]EventResult, 0, len(envs))
	accepted := 0
	for _, env := range envs {
		res := EventResult{Type: env.Type}
		switch err := s.store.DispatchEnvelope(env); {
		case err == nil:
			res.Accepted = true
			accepted++
		case errors.Is(err, session.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		default:
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	status := http.StatusOK
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, eventsResponse{Seq: s.store.Seq(), Results: results})
}

func decodeEnvelopes(body []byte) ([]chat.Envelope, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("empty request body")
	}

	if strings.HasPrefix(trimmed, "[") {
		var envs []chat.Envelope
		if err := json.Unmarshal(body, &envs); err != nil {
			return nil, errors.New("invalid event array")
		}
		if len(envs) == 0 {
			return nil, errors.New("empty event array")
		}
		return envs, nil
	}

	var env chat.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.New("invalid event")
	}
	return []chat.Envelope{env}, nil
}

type healthResponse struct {
	Status      string  `json:"status"`
	Uptime      string  `json:"uptime"`
	Seq         uint64  `json:"seq"`
	Clients     int     `json:"clients"`
	Subscribers int     `json:"subscribers"`
	RSSBytes    uint64  `json:"rss_bytes,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Seq:         s.store.Seq(),
		Clients:     s.broadcaster.ClientCount(),
		Subscribers: s.store.SubscriberCount(),
	}

	// process stats are best effort; some platforms do not expose them
	if p, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(r.Context()); err == nil {
			resp.CPUPercent = cpu
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, WSMessage{Type: MsgError, Payload: ErrorPayload{Message: msg}})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Chatstate-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin] || s.allowedHosts[parsed.Host]
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
