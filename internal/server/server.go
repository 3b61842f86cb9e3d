// Package server exposes separation over HTTP.
//
// Routes:
//
//   - POST /v1/separate: request body is a WAV or FLAC file; the response is
//     a zip archive with one 16-bit WAV file per stem.
//   - GET /v1/model: the active model contract as JSON.
//   - GET /healthz, GET /readyz: liveness and readiness probes.
//   - GET /metrics: Prometheus scrape endpoint, when configured.
//
// Every route is wrapped in [observe.Middleware].
package server

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/stems/internal/health"
	"github.com/MrWong99/stems/internal/observe"
	"github.com/MrWong99/stems/internal/separator"
	"github.com/MrWong99/stems/pkg/audio"
	"github.com/MrWong99/stems/pkg/audio/wavio"
	"github.com/MrWong99/stems/pkg/model"
)

// Separator is the part of the application the server needs.
type Separator interface {
	Separate(ctx context.Context, in audio.Interleaved) (*separator.Stems, error)
}

// JobIDHeader carries the id assigned to a separation request.
const JobIDHeader = observe.JobIDHeader

// DefaultMaxUploadBytes bounds request bodies when no limit is configured.
const DefaultMaxUploadBytes = 512 << 20

// Server handles separation requests. Create one with [New].
type Server struct {
	sep        Separator
	contract   model.Contract
	scratchDir string
	maxUpload  atomic.Int64
	metrics    *observe.Metrics
	checkers   []health.Checker
	scrape     http.Handler

	handler http.Handler
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithScratchDir sets the directory for temporary upload and stem files.
// Defaults to [os.TempDir].
func WithScratchDir(dir string) Option {
	return func(s *Server) { s.scratchDir = dir }
}

// WithMaxUploadBytes sets the initial request body limit.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUpload.Store(n) }
}

// WithMetrics sets the metrics sink for the HTTP middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, c...) }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.scrape = h }
}

// New creates a Server that separates with sep under contract c.
func New(sep Separator, c model.Contract, opts ...Option) *Server {
	s := &Server{sep: sep, contract: c}
	s.maxUpload.Store(DefaultMaxUploadBytes)
	for _, o := range opts {
		o(s)
	}
	if s.scratchDir == "" {
		s.scratchDir = os.TempDir()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/separate", s.handleSeparate)
	mux.HandleFunc("GET /v1/model", s.handleModel)
	checkers := append([]health.Checker{health.DirChecker("scratch_dir", s.scratchDir)}, s.checkers...)
	health.New(checkers...).Register(mux)
	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// SetMaxUploadBytes changes the request body limit for new requests.
func (s *Server) SetMaxUploadBytes(n int64) {
	s.maxUpload.Store(n)
	slog.Info("upload limit changed", "max_upload_bytes", n)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully, waiting up to shutdownTimeout for in-flight separations.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ── Handlers ─────────────────────────────────────────────────────────────────

type modelInfo struct {
	ID         string           `json:"id"`
	Version    string           `json:"version"`
	SampleRate int              `json:"sample_rate"`
	ChunkSize  int              `json:"chunk_size"`
	Overlap    int              `json:"overlap"`
	Stems      map[int][]string `json:"stems"`
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	c := s.contract
	writeJSON(w, http.StatusOK, modelInfo{
		ID:         c.ID,
		Version:    c.Version,
		SampleRate: c.SampleRate,
		ChunkSize:  c.Chunk.Size,
		Overlap:    c.Chunk.Overlap,
		Stems:      c.Protocol.StemOrders,
	})
}

type errorBody struct {
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}

func (s *Server) handleSeparate(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.NewString()
	ctx := observe.WithJobID(r.Context(), jobID)
	w.Header().Set(JobIDHeader, jobID)
	log := observe.Logger(ctx)

	container, err := requestContainer(r)
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, jobID, err)
		return
	}

	jobDir, err := os.MkdirTemp(s.scratchDir, "stems-"+jobID+"-")
	if err != nil {
		log.Error("create job dir", "err", err)
		writeError(w, http.StatusInternalServerError, jobID, errors.New("scratch space unavailable"))
		return
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			log.Warn("remove job dir", "dir", jobDir, "err", err)
		}
	}()

	input := filepath.Join(jobDir, "input."+string(container))
	body := http.MaxBytesReader(w, r.Body, s.maxUpload.Load())
	if err := saveBody(input, body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, jobID, fmt.Errorf("upload exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, jobID, err)
		return
	}

	buf, info, err := wavio.Read(input)
	if err != nil {
		writeError(w, statusFor(err), jobID, err)
		return
	}
	log.Info("separation request", "format", info.Format.String(), "frames", info.Frames)

	stems, err := s.sep.Separate(ctx, buf)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("separation failed", "err", err)
		}
		writeError(w, status, jobID, err)
		return
	}

	paths, err := wavio.WriteStems(input, jobDir, stems.Names, stems.Tracks)
	if err != nil {
		log.Error("write stems", "err", err)
		writeError(w, http.StatusInternalServerError, jobID, fmt.Errorf("%w: %w", separator.ErrOutputGenerationFailed, err))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": jobID + ".zip"}))
	w.WriteHeader(http.StatusOK)
	if err := writeZip(w, stems.Names, paths); err != nil {
		// Headers are gone; the client sees a truncated archive.
		log.Warn("stream zip", "err", err)
	}
}

// requestContainer picks the upload container from ?format= or the
// Content-Type header. WAV is assumed when neither says otherwise.
func requestContainer(r *http.Request) (wavio.Container, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		return wavio.ContainerFor(f)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "audio/flac", "audio/x-flac":
		return wavio.ContainerFLAC, nil
	case "", "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave", "application/octet-stream":
		return wavio.ContainerWAV, nil
	case "audio/mpeg", "audio/ogg", "audio/opus", "audio/aac", "audio/mp4":
		return "", fmt.Errorf("%w: %s", wavio.ErrLossyFormat, mt)
	}
	return "", fmt.Errorf("%w: content type %q", wavio.ErrUnsupportedFormat, mt)
}

func saveBody(path string, body io.Reader) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(f, body)
	return err
}

func writeZip(w io.Writer, names, paths []string) error {
	zw := zip.NewWriter(w)
	for i, path := range paths {
		fw, err := zw.Create(names[i] + ".wav")
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(fw, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return zw.Close()
}

// statusFor maps pipeline and decoding errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, wavio.ErrLossyFormat), errors.Is(err, wavio.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, wavio.ErrCorruptedFile), errors.Is(err, separator.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, separator.ErrInferenceFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, jobID string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), JobID: jobID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}
