// Package server exposes the compression pipeline over HTTP: a multipart
// compress endpoint, health and status probes, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kvanite/squish/transcode"
)

const Version = "1.0.0"

// DefaultMaxUploadBytes caps uploaded media at 200 MiB.
const DefaultMaxUploadBytes = 200 * 1024 * 1024

const shutdownTimeout = time.Second * 10

// ArtifactStore is the storage collaborator the compress endpoint hands
// finished artifacts to.
type ArtifactStore interface {
	UploadAndSign(ctx context.Context, localPath, contentType string) (url string, expiresAt time.Time, err error)
}

type Server struct {
	log *zap.Logger

	pipeline *transcode.Pipeline
	store    ArtifactStore

	addr           string
	tempDir        string
	maxUploadBytes int64

	handler http.Handler
}

type ServerOptions struct {
	ParentLogger *zap.Logger
	Pipeline     *transcode.Pipeline
	Store        ArtifactStore

	Addr           string
	TempDir        string
	MaxUploadBytes int64
}

func NewServer(options ServerOptions) *Server {
	s := &Server{
		log:            options.ParentLogger.Named("server"),
		pipeline:       options.Pipeline,
		store:          options.Store,
		addr:           options.Addr,
		tempDir:        options.TempDir,
		maxUploadBytes: options.MaxUploadBytes,
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = DefaultMaxUploadBytes
	}

	r := mux.NewRouter()
	r.Use(s.requestLogging, requestMetrics)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/compress", s.handleCompress).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// CORS wraps the router so preflight OPTIONS requests get answered
	// before method-based route matching rejects them.
	s.handler = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)

	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: time.Second * 10,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.With(zap.String("addr", s.addr)).Info("listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}

	return nil
}
