package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chorus/internal/config"
	"chorus/internal/jobs"
	"chorus/internal/logging"
	"chorus/internal/services"
)

// maxVoiceprintUpload bounds the /voiceprint sample body. Thirty seconds of
// 16-bit 48kHz stereo is well under this.
const maxVoiceprintUpload = 32 << 20

// JobService is the scheduler surface the API depends on.
type JobService interface {
	Submit(ctx context.Context, spec jobs.Spec) (*jobs.Job, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (*jobs.Job, bool, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
}

// VoiceprintProvider enrolls an audio sample into an opaque voiceprint.
type VoiceprintProvider interface {
	Voiceprint(ctx context.Context, audio []byte) (string, error)
}

// StatusFunc supplies the payload served by GET /status. The daemon installs
// it after construction since it aggregates component state the server does
// not own.
type StatusFunc func(ctx context.Context) any

// Server is the HTTP front of the daemon.
type Server struct {
	bind          string
	scheduler     JobService
	store         jobs.Store
	matcher       VoiceprintProvider
	syncTimeout   time.Duration
	defaultStages []string
	defaultSecret string
	statusFunc    StatusFunc
	logger        *slog.Logger

	handler  http.Handler
	listener net.Listener
	server   *http.Server
}

// NewServer wires the API routes. The matcher may be nil when no matching
// sidecar is configured; the voiceprint endpoint then reports
// MissingDependency.
func NewServer(cfg *config.Config, scheduler JobService, store jobs.Store, matcher VoiceprintProvider, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	srv := &Server{
		bind:          cfg.Paths.APIBind,
		scheduler:     scheduler,
		store:         store,
		matcher:       matcher,
		syncTimeout:   time.Duration(cfg.Pipeline.SyncTimeout) * time.Second,
		defaultStages: append([]string(nil), cfg.Pipeline.DefaultStages...),
		defaultSecret: cfg.Webhook.Secret,
		logger:        logging.NewComponentLogger(logger, "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/diarize", srv.handleDiarize)
	mux.HandleFunc("/diarize/sync", srv.handleDiarizeSync)
	mux.HandleFunc("/identify", srv.handleIdentify)
	mux.HandleFunc("/voiceprint", srv.handleVoiceprint)
	mux.HandleFunc("/jobs", srv.handleJobList)
	mux.HandleFunc("/jobs/", srv.handleJobs)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/status", srv.handleStatus)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	srv.handler = mux

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// The sync endpoint holds the connection open for the whole job.
		WriteTimeout: srv.syncTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

// SetStatusFunc installs the provider behind GET /status.
func (s *Server) SetStatusFunc(fn StatusFunc) {
	s.statusFunc = fn
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound listener address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, letting in-flight responses drain briefly.
func (s *Server) Stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// writeServiceError maps a service error onto its HTTP status.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	kind := services.Kind(err)
	s.writeError(w, statusForKind(kind), err.Error(), kind)
}

func statusForKind(kind string) int {
	switch kind {
	case "InvalidSpec":
		return http.StatusBadRequest
	case "Overloaded":
		return http.StatusTooManyRequests
	case "NotFound":
		return http.StatusNotFound
	case "Conflict":
		return http.StatusConflict
	case "MissingDependency":
		return http.StatusServiceUnavailable
	case "FetchFailed", "StageFailed":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func trimPathSegment(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}
