package httpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/interview-voice/internal/config"
	"github.com/chadiek/interview-voice/internal/logging"
	"github.com/chadiek/interview-voice/internal/metrics"
	"github.com/chadiek/interview-voice/internal/orchestrator"
	"github.com/chadiek/interview-voice/internal/protocol"
	"github.com/chadiek/interview-voice/internal/sessions"
	"github.com/chadiek/interview-voice/internal/store"
)

// Deps are the shared services each interview connection is built from.
type Deps struct {
	Config    config.Config
	Store     store.Store
	Processor orchestrator.AnswerProcessor
	// NewSynthesizer is called once per connection so caches stay per connection.
	NewSynthesizer  func() orchestrator.Synthesizer
	SynthesizerName string
	NewTranscriber  orchestrator.TranscriberFactory
	Archiver        orchestrator.Archiver
	Metrics         *metrics.Metrics
	Tracker         *sessions.Tracker
	Logger          *slog.Logger
	// Health reports backing service readiness for /healthz. Optional.
	Health func(ctx context.Context) error
}

// Server bundles the HTTP router and its dependencies.
type Server struct {
	Router   *echo.Echo
	deps     Deps
	logger   *slog.Logger
	origins  map[string]struct{}
	upgrader websocket.Upgrader
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if deps.Tracker == nil {
		deps.Tracker = sessions.NewTracker()
	}
	s := &Server{
		Router:  NewRouter(logger),
		deps:    deps,
		logger:  logger.With("component", "http"),
		origins: make(map[string]struct{}, len(deps.Config.AllowedOrigins)),
	}
	for _, o := range deps.Config.AllowedOrigins {
		s.origins[o] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  65536,
		WriteBufferSize: 65536,
		CheckOrigin:     s.originAllowed,
	}

	s.Router.GET("/healthz", s.healthz)
	s.Router.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	s.Router.GET("/ws/interview/:session_id", s.interview)
	return s
}

func (s *Server) healthz(c echo.Context) error {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			return c.String(http.StatusServiceUnavailable, "unavailable")
		}
	}
	return c.String(http.StatusOK, "ok")
}

// originAllowed accepts requests without an Origin header and, when an allow-list is
// configured, only the listed origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

// authorized accepts ?token=, "Authorization: Bearer" or X-Auth-Token. An empty expected
// token disables auth.
func authorized(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("token"); q != "" && tokenEqual(q, expected) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if tokenEqual(strings.TrimSpace(ah[len("Bearer "):]), expected) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && tokenEqual(x, expected) {
		return true
	}
	return false
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) interview(c echo.Context) error {
	r := c.Request()
	if !s.originAllowed(r) {
		return c.String(http.StatusForbidden, "origin is not allowed")
	}
	conn, err := s.upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	t := newWSTransport(conn, frameLimit(s.deps.Config.Interview.BufferCapBytes))
	sessionID := strings.TrimSpace(c.Param("session_id"))
	connID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "conn_id", connID)

	if !authorized(r, s.deps.Config.AuthToken) {
		logger.Warn("rejecting unauthorized interview connection")
		_ = t.Send(r.Context(), protocol.NewError("Unauthorized"))
		_ = t.Close(protocol.CloseAuthFailed)
		return nil
	}

	o, err := orchestrator.New(sessionID, orchestrator.ConfigFrom(s.deps.Config.Interview), orchestrator.Dependencies{
		Transport:       t,
		Store:           s.deps.Store,
		Processor:       s.deps.Processor,
		Synthesizer:     s.newSynthesizer(),
		SynthesizerName: s.deps.SynthesizerName,
		NewTranscriber:  s.deps.NewTranscriber,
		Archiver:        s.deps.Archiver,
		Metrics:         s.deps.Metrics,
		Logger:          s.logger,
		ConnID:          connID,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		_ = t.Send(r.Context(), protocol.NewError("Internal server error"))
		_ = t.Close(protocol.CloseInternalError)
		return nil
	}

	unregister := s.deps.Tracker.Register(sessionID, sessions.Handle{
		ConnID: connID,
		Close:  o.Stop,
		Notify: func(message string) error {
			return t.Send(context.Background(), protocol.NewError(message))
		},
	})
	defer unregister()

	if err := o.Run(r.Context()); err != nil {
		logger.Info("interview connection ended", "error", err)
	}
	return nil
}

func (s *Server) newSynthesizer() orchestrator.Synthesizer {
	if s.deps.NewSynthesizer == nil {
		return nil
	}
	return s.deps.NewSynthesizer()
}
