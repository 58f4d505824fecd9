// Package server exposes the job manager over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"videovault/internal/job"
	"videovault/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 1 << 20
)

// History is the read side of the terminal-job store.
type History interface {
	List(ctx context.Context, limit int) ([]job.Record, error)
	Get(ctx context.Context, id string) (job.Record, error)
}

// Options configures a Server.
type Options struct {
	Port           int
	AllowedOrigins []string
	// SubmitRate is the sustained submissions per second; zero disables limiting.
	SubmitRate  float64
	SubmitBurst int
	Logger      *slog.Logger
}

type Server struct {
	addr     string
	mgr      *job.Manager
	history  History
	files    *storage.Dir
	origins  map[string]bool
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer builds the routing layer. history may be nil.
func NewServer(mgr *job.Manager, history History, files *storage.Dir, opts Options) *Server {
	s := &Server{
		addr:    fmt.Sprintf(":%d", opts.Port),
		mgr:     mgr,
		history: history,
		files:   files,
		origins: make(map[string]bool),
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[strings.TrimRight(o, "/")] = true
	}

	limit := rate.Inf
	if opts.SubmitRate > 0 {
		limit = rate.Limit(opts.SubmitRate)
	}
	burst := opts.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API Endpoints
	mux.HandleFunc("POST /api/formats", s.handleFormats)
	mux.HandleFunc("POST /api/jobs", s.handleSubmit)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryEntry)
	mux.HandleFunc("GET /api/files/{name}", s.handleFile)

	// Live updates
	mux.HandleFunc("GET /ws/jobs/{id}", s.handleWatch)

	return s.cors(mux)
}

// Start listens on the configured port until Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires. Hijacked WebSocket connections are closed by the manager.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.origins[origin] || s.origins["*"] {
		return true
	}
	// same host is always allowed
	return strings.HasSuffix(origin, "://"+r.Host)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (s.origins[origin] || s.origins["*"]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	URL           string `json:"url"`
	VideoFormatID string `json:"video_format_id"`
	DownloadAudio bool   `json:"download_audio"`
}

// decodeSubmit accepts a JSON body or classic form fields.
func decodeSubmit(r *http.Request) (submitRequest, error) {
	var req submitRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("%w: %w", job.ErrInvalidParams, err)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("%w: %w", job.ErrInvalidParams, err)
	}
	req.URL = r.PostForm.Get("url")
	req.VideoFormatID = r.PostForm.Get("video_format_id")
	req.DownloadAudio = formBool(r.PostForm.Get("download_audio"))
	return req, nil
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeDetail(w, http.StatusTooManyRequests, "too many submissions, try again later")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	req, err := decodeSubmit(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	sub, err := s.mgr.Submit(r.Context(), job.Params{
		URL:       req.URL,
		FormatID:  req.VideoFormatID,
		AudioOnly: req.DownloadAudio,
	})
	if err != nil {
		s.logger.Info("submission rejected", "url", req.URL, "error", err)
		// resolve failures are the caller's URL as far as the API is concerned
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

type formatView struct {
	job.Format
	FilesizeHuman string `json:"filesize_human,omitempty"`
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	req, err := decodeSubmit(r)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	res, err := s.mgr.Formats(r.Context(), req.URL)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}

	formats := make([]formatView, 0, len(res.Formats))
	for _, f := range res.Formats {
		v := formatView{Format: f}
		if f.Filesize > 0 {
			v.FilesizeHuman = humanize.IBytes(uint64(f.Filesize))
		}
		formats = append(formats, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"title":   res.Title,
		"formats": formats,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mgr.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.QueueStatus())
}

type historyEntry struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	FormatID   string     `json:"format_id,omitempty"`
	AudioOnly  bool       `json:"audio_only"`
	Status     job.Status `json:"status"`
	Message    string     `json:"message"`
	Filename   string     `json:"filename,omitempty"`
	AddedAt    time.Time  `json:"added_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func newHistoryEntry(rec job.Record) historyEntry {
	e := historyEntry{
		ID:        rec.ID,
		URL:       rec.Params.URL,
		FormatID:  rec.Params.FormatID,
		AudioOnly: rec.Params.AudioOnly,
		Status:    rec.Status,
		Message:   rec.Message,
		Filename:  rec.Filename,
		AddedAt:   rec.AddedAt,
	}
	if !rec.FinishedAt.IsZero() {
		t := rec.FinishedAt
		e.FinishedAt = &t
	}
	return e
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []historyEntry{})
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		writeDetail(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	out := make([]historyEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newHistoryEntry(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, job.ErrNotFound, http.StatusNotFound)
		return
	}
	rec, err := s.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newHistoryEntry(rec))
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.files.Path(r.PathValue("name"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.files.Exists(r.PathValue("name")) {
		writeDetail(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("name")))
	http.ServeFile(w, r, path)
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error, fallback int) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch {
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, job.ErrInvalidParams), errors.Is(err, job.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return fallback
}

func writeError(w http.ResponseWriter, err error, fallback int) {
	writeDetail(w, statusFor(err, fallback), err.Error())
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
