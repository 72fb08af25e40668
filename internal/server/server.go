/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes a listener's engine over HTTP: health, metrics, status,
// transport controls and a websocket stream of engine events.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/playcall/internal/engine"
	"github.com/friendsincode/playcall/internal/events"
	"github.com/friendsincode/playcall/internal/telemetry"
)

// Controller is the engine surface the server drives.
type Controller interface {
	Status() engine.Status
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	ResetBreaker(ctx context.Context) error
}

// HealthFunc reports a dependency problem, or nil when healthy.
type HealthFunc func(ctx context.Context) error

// Server bundles the HTTP router and its closers.
type Server struct {
	engine     Controller
	bus        *events.Bus
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	checks     map[string]HealthFunc
	closers    []func() error
}

// New constructs the server. Routes are ready on return; call ListenAndServe to serve.
func New(addr string, ctrl Controller, bus *events.Bus, logger zerolog.Logger) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// Websockets manage their own deadlines.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	s := &Server{
		engine: ctrl,
		bus:    bus,
		logger: logger.With().Str("component", "server").Logger(),
		router: router,
		checks: make(map[string]HealthFunc),
	}
	s.configureRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(router, "playcall.http"),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// AddHealthCheck registers a dependency check reported by /healthz.
func (s *Server) AddHealthCheck(name string, fn HealthFunc) {
	s.checks[name] = fn
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and runs the registered closers in reverse order.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.closers = nil
	return err
}

// DeferClose registers a closer run by Shutdown.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/pause", s.control(s.engine.Pause))
		r.Post("/resume", s.control(s.engine.Resume))
		r.Post("/stop", s.control(s.engine.Stop))
		r.Post("/reset", s.control(s.engine.ResetBreaker))
	})

	s.router.Get("/ws/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checks))
	status := http.StatusOK
	for name, fn := range s.checks {
		if err := fn(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "listening": s.engine.Status().Listening}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) control(action func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(r.Context()); err != nil {
			status, code := errorStatus(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("engine control failed")
			}
			writeJSON(w, status, map[string]string{"error": code, "detail": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s.engine.Status())
	}
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNotListening):
		return http.StatusConflict, "not_listening"
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, engine.ErrSequencerClosed):
		return http.StatusServiceUnavailable, "engine_closed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "engine_error"
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Msg("http request")
		})
	}
}
