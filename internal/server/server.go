// Package server accepts host notifications over HTTP, for hosts that run
// tests on another machine than the one reporting them. Each started run gets
// its own listener; progress is streamed back as Server-Sent Events.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/kamilpajak/scopebridge/internal/host"
	"github.com/kamilpajak/scopebridge/internal/listener"
	"github.com/kamilpajak/scopebridge/internal/progress"
	"github.com/kamilpajak/scopebridge/internal/report"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// eventBuffer is how many progress events an SSE client may lag behind.
const eventBuffer = 64

type session struct {
	listener *listener.Listener
	hub      *progress.Hub
}

// Server serves the ingest API.
type Server struct {
	echo     *echo.Echo
	reporter report.Reporter
	opts     listener.Options
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// New creates a Server. opts is used for every run's listener; its Progress
// emitter, if any, receives the events of all runs.
func New(r report.Reporter, opts listener.Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Error("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))

	s := &Server{
		echo:     e,
		reporter: r,
		opts:     opts,
		logger:   logger,
		sessions: make(map[uuid.UUID]*session),
	}
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", s.StartRun)
	e.POST("/v1/runs/:run_id/results", s.AddResult)
	e.POST("/v1/runs/:run_id/complete", s.CompleteRun)
	e.GET("/v1/runs/:run_id/events", s.RunEvents)
	e.GET("/health", s.Health)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes all event streams. Runs still
// in progress are left unfinished.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, sess := range s.sessions {
		s.logger.Warn("shutting down with run in progress", "run", id)
		sess.hub.Close()
	}
	s.mu.Unlock()
	return s.echo.Shutdown(ctx)
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func (s *Server) session(c echo.Context) (uuid.UUID, *session, error) {
	id, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return uuid.Nil, nil, errorJSON(c, http.StatusBadRequest, "invalid run id")
	}
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return uuid.Nil, nil, errorJSON(c, http.StatusNotFound, "run not found")
	}
	return id, sess, nil
}

// Health returns health status.
func (s *Server) Health(c echo.Context) error {
	s.mu.Lock()
	n := len(s.sessions)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{"status": "healthy", "runs": n})
}

// StartRun starts a run.
// POST /v1/runs
func (s *Server) StartRun(c echo.Context) error {
	if s.opts.Disabled {
		return errorJSON(c, http.StatusServiceUnavailable, "reporting is disabled")
	}

	var info host.RunInfo
	if err := c.Bind(&info); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid run info")
	}

	hub := progress.NewHub()
	opts := s.opts
	opts.Progress = progress.Multi{hub, s.opts.Progress}
	l := listener.New(s.reporter, opts)

	if err := l.OnRunStart(c.Request().Context(), info); err != nil {
		hub.Close()
		return errorJSON(c, http.StatusBadGateway, err.Error())
	}
	run := l.Run()

	s.mu.Lock()
	s.sessions[run.ID] = &session{listener: l, hub: hub}
	s.mu.Unlock()

	return c.JSON(http.StatusCreated, map[string]string{"run_id": run.ID.String()})
}

// AddResult reports one test result.
// POST /v1/runs/:run_id/results
func (s *Server) AddResult(c echo.Context) error {
	_, sess, err := s.session(c)
	if sess == nil {
		return err
	}

	var res host.TestResult
	if err := c.Bind(&res); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid test result")
	}
	sess.listener.OnTestResult(c.Request().Context(), res)
	return c.NoContent(http.StatusAccepted)
}

// CompleteRun finishes a run and ends its event stream.
// POST /v1/runs/:run_id/complete
func (s *Server) CompleteRun(c echo.Context) error {
	id, sess, err := s.session(c)
	if sess == nil {
		return err
	}

	var summary host.RunSummary
	if err := c.Bind(&summary); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid run summary")
	}

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	var tests, failed int
	if run := sess.listener.Run(); run != nil {
		tests, failed = run.Counts()
	}
	sess.listener.OnRunComplete(c.Request().Context(), summary)
	sess.hub.Close()

	return c.JSON(http.StatusOK, map[string]any{"run_id": id.String(), "tests": tests, "failed": failed})
}

// RunEvents streams the progress of a run until it completes or the client
// goes away.
// GET /v1/runs/:run_id/events
func (s *Server) RunEvents(c echo.Context) error {
	_, sess, err := s.session(c)
	if sess == nil {
		return err
	}

	events, cancel := sess.hub.Subscribe(eventBuffer)
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	emitter := progress.NewSSEEmitter(w)
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			emitter.Emit(ev)
		}
	}
}
