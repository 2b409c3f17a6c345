// Package server exposes the batch engine over HTTP and a gRPC health
// service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/prompt-batch/internal/bundle"
	"github.com/ChuLiYu/prompt-batch/internal/controller"
	"github.com/ChuLiYu/prompt-batch/internal/metrics"
	"github.com/ChuLiYu/prompt-batch/internal/scheduler"
	"github.com/ChuLiYu/prompt-batch/internal/tracker"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

// ArchiveName is the download name of a run archive
const ArchiveName = "generated_images.zip"

// Proxy forwards single calls to the remote services with the server side
// credential.
type Proxy interface {
	Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (*types.GenerateResponse, error)
	FetchBytes(ctx context.Context, ref string) (*types.FetchResponse, error)
}

// Runner owns batch runs.
type Runner interface {
	StartRun(req controller.RunRequest) (controller.RunStatus, error)
	Current() (controller.RunStatus, error)
	Stop() (controller.RunStatus, error)
	Bundle(ctx context.Context, onProgress func(types.Progress)) (*bundle.Result, error)
}

// Server routes HTTP requests
type Server struct {
	proxy    Proxy
	runs     Runner
	metrics  *metrics.Collector
	validate *validator.Validate
	mux      *http.ServeMux
	log      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request error logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// NewServer creates a server. runs may be nil to serve the proxy routes only.
func NewServer(proxy Proxy, runs Runner, m *metrics.Collector, opts ...Option) *Server {
	s := &Server{
		proxy:    proxy,
		runs:     runs,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      http.NewServeMux(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /api/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /api/download", s.handleDownload)
	if runs != nil {
		s.mux.HandleFunc("POST /api/runs", s.handleStartRun)
		s.mux.HandleFunc("GET /api/runs/current", s.handleCurrentRun)
		s.mux.HandleFunc("POST /api/runs/current/stop", s.handleStopRun)
		s.mux.HandleFunc("GET /api/runs/current/archive", s.handleArchive)
	}
	s.mux.Handle("GET /metrics", m.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ============================================================================
// Proxy routes
// ============================================================================

type generateRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
	Provider    string `json:"provider" validate:"omitempty,oneof=1.5-Fast 1.5-Pro"`
	N           int    `json:"n" validate:"gte=0,lte=4"`
}

type generateResponse struct {
	Success   bool     `json:"success"`
	ImageURLs []string `json:"image_urls"`
	Prompt    string   `json:"prompt"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "Prompt is required")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.proxy.Generate(r.Context(), req.Prompt, types.GenerateOptions{
		AspectRatio: req.AspectRatio,
		Provider:    req.Provider,
		Count:       req.N,
	})
	if err != nil {
		s.log.Error("Generation error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		writeError(w, resp.StatusCode, "Failed to generate image")
		return
	}

	urls := resp.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, generateResponse{
		Success:   resp.Success,
		ImageURLs: urls,
		Prompt:    resp.Prompt,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("url")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "Missing image URL")
		return
	}
	if err := s.validate.Var(ref, "url"); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid image URL")
		return
	}

	resp, err := s.proxy.FetchBytes(r.Context(), ref)
	if err != nil {
		s.log.Error("Download proxy error", "url", ref, "error", err)
		writeError(w, http.StatusInternalServerError, "Download failed")
		return
	}
	if !resp.OK() {
		writeError(w, resp.StatusCode, "Failed to fetch image")
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment")
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

// ============================================================================
// Run routes
// ============================================================================

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req controller.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req.Options); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.runs.StartRun(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.runs.Current()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.runs.Stop()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	result, err := s.runs.Bundle(r.Context(), nil)
	if err != nil {
		s.log.Error("Bundle failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	if result.NothingToBundle {
		writeError(w, http.StatusNotFound, "No images to download")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ArchiveName+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Archive)))
	w.Header().Set("X-Bundle-Total", strconv.Itoa(result.Total))
	w.Header().Set("X-Bundle-Skipped", strconv.Itoa(result.Skipped))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Archive)
}

// ============================================================================
// Helpers
// ============================================================================

// statusFor maps structural errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrNoRun):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrEmptyInput),
		errors.Is(err, scheduler.ErrInvalidWindowSize),
		errors.Is(err, controller.ErrNothingToResume):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
