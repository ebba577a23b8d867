package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"docbatch/internal/config"
	"docbatch/internal/handlers"
	"docbatch/internal/metrics"
)

// Server wraps the HTTP server
type Server struct {
	logger *zap.Logger
	cfg    *config.Config
	srv    *http.Server
	ln     net.Listener

	challenge *http.Server
}

// New creates a new server instance
func New(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics, batchHandler *handlers.BatchHandler, healthHandler *handlers.HealthHandler) *Server {
	r := mux.NewRouter()

	r.Use(handlers.RequestIDMiddleware)
	r.Use(handlers.AccessLog(logger))

	// Metrics endpoint with optional basic auth
	metricsHandler := promhttp.Handler()
	if cfg.MetricsUsername != "" && cfg.MetricsPassword != "" {
		authMiddleware := handlers.BasicAuth(cfg.MetricsUsername, cfg.MetricsPassword)
		r.Handle("/metrics", authMiddleware(metricsHandler))
	} else {
		r.Handle("/metrics", metricsHandler)
	}

	r.HandleFunc("/health", healthHandler.Health).Methods("GET")

	r.HandleFunc("/folders/{id:[0-9]+}", batchHandler.Folder).Methods("GET")
	r.HandleFunc("/subjects/{id:[0-9]+}", batchHandler.Subject).Methods("GET")
	r.HandleFunc("/batches/{id}", batchHandler.Get).Methods("GET")

	// No write timeout: a batch can sit in a pause for minutes before the
	// archive is written.
	return &Server{
		logger: logger,
		cfg:    cfg,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are fatal.
func (s *Server) Start() error {
	if s.cfg.EnableHTTPS {
		return s.startHTTPS()
	}
	return s.serve(":"+s.cfg.Port, false)
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) serve(addr string, useTLS bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", useTLS))

	go func() {
		var err error
		if useTLS {
			err = s.srv.ServeTLS(ln, "", "")
		} else {
			err = s.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) startHTTPS() error {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.LetsEncryptDomains...),
		Cache:      autocert.DirCache(s.cfg.LetsEncryptCacheDir),
		Email:      s.cfg.LetsEncryptEmail,
	}

	// ACME challenges and redirects to https
	s.challenge = &http.Server{
		Addr:              ":80",
		Handler:           m.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("challenge server error", zap.Error(err))
		}
	}()

	s.srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate}
	s.logger.Info("requesting certificates", zap.Strings("domains", s.cfg.LetsEncryptDomains))
	return s.serve(":443", true)
}

// WaitForShutdown blocks until ctx is done or SIGINT/SIGTERM arrives, then
// shuts the server down gracefully.
func (s *Server) WaitForShutdown(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	s.logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.challenge != nil {
		s.challenge.Shutdown(shutdownCtx)
	}
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}
