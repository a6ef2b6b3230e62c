package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rsprolipsi/compensation/engine/pkg/compression"
	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(metricsMiddleware)

	s.router.Get("/healthz", s.healthzHandler)
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Get("/report", s.reportHandler)
	s.router.Get("/report.json", s.reportJSONHandler)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// Run starts the engine loop and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.Engine.Start(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	s.writeText(w, http.StatusOK, "ok\n")
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Engine.Ready() {
		s.log.Debug("readyz: engine not ready")
		s.writeText(w, http.StatusServiceUnavailable, "engine not ready\n")
		return
	}
	s.writeText(w, http.StatusOK, "ok\n")
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		VersionInfo
		Ruleset string `json:"ruleset"`
	}{s.cfg.VersionInfo, s.cfg.RulesetVersion})
}

func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	res, ok := s.cfg.Engine.LastResult()
	if !ok {
		s.writeText(w, http.StatusNotFound, "no compression pass has run yet\n")
		return
	}
	s.writeText(w, http.StatusOK, compression.GenerateReport(res))
}

type reportResponse struct {
	StartedAt          time.Time `json:"started_at"`
	DurationMs         int64     `json:"duration_ms"`
	Period             string    `json:"period"`
	Success            bool      `json:"success"`
	MatricesCompressed int       `json:"matrices_compressed"`
	SlotsRedistributed int       `json:"slots_redistributed"`
	NewMatricesCreated int       `json:"new_matrices_created"`
	ReentriesForfeited int       `json:"reentries_forfeited"`
	CreditsApplied     int       `json:"credits_applied"`
	CreditsFailed      int       `json:"credits_failed"`
	Errors             []string  `json:"errors"`
}

func (s *Server) reportJSONHandler(w http.ResponseWriter, r *http.Request) {
	res, ok := s.cfg.Engine.LastResult()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no compression pass has run yet"})
		return
	}
	errs := res.Errors
	if errs == nil {
		errs = []string{}
	}
	s.writeJSON(w, http.StatusOK, reportResponse{
		StartedAt:          res.StartedAt.UTC(),
		DurationMs:         res.Duration.Milliseconds(),
		Period:             res.Period,
		Success:            res.Success,
		MatricesCompressed: res.MatricesCompressed,
		SlotsRedistributed: res.SlotsRedistributed,
		NewMatricesCreated: res.NewMatricesCreated,
		ReentriesForfeited: res.ReentriesForfeited,
		CreditsApplied:     res.CreditsApplied,
		CreditsFailed:      res.CreditsFailed,
		Errors:             errs,
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
