// Package api exposes a store.Repository over HTTP with JSON bodies.
package api

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

	"github.com/nhle/flow/internal/model"
	"github.com/nhle/flow/internal/store"
)

// shutdownTimeout bounds graceful shutdown once the serve context ends.
const shutdownTimeout = 10 * time.Second

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse is the body of successful mutations.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// Server holds the repository and the routes in front of it.
type Server struct {
	repo store.Repository
	log  *slog.Logger
	mux  *http.ServeMux
}

// New builds a server. A nil logger discards log output.
func New(repo store.Repository, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{repo: repo, log: log, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /issues", s.handleList)
	s.mux.HandleFunc("POST /issues", s.handleCreate)
	s.mux.HandleFunc("GET /issues/{id...}", s.handleGet)
	s.mux.HandleFunc("PUT /issues/{id...}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /issues/{id...}", s.handleDelete)

	return s
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("api shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.EnsureSchema(r.Context()); err != nil {
		s.fail(w, r, err, "Store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	issues, err := s.repo.GetAll(r.Context())
	if err != nil {
		s.fail(w, r, err, "Failed to fetch issues")
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateIssueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	if !req.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid priority")
		return
	}
	if req.ID != "" && !validID(req.ID) {
		writeError(w, http.StatusBadRequest, "Invalid issue ID")
		return
	}

	if err := s.repo.Create(r.Context(), req.ID, req.CreateIssueData); err != nil {
		s.fail(w, r, err, "Failed to create issue")
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse{Success: true})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	issue, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err, "Failed to get issue")
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var data model.UpdateIssueData
	if err := decodeBody(w, r, &data); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.repo.Update(r.Context(), id, data); err != nil {
		s.fail(w, r, err, "Failed to update issue")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.repo.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err, "Failed to delete issue")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// pathID extracts the issue id and rejects empty, blank or nested ids
// before the store is touched.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !validID(id) {
		writeError(w, http.StatusBadRequest, "Invalid issue ID")
		return "", false
	}
	return id, true
}

// validID reports whether id can be addressed as /issues/{id}.
func validID(id string) bool {
	return id != "" && id == strings.TrimSpace(id) && !strings.Contains(id, "/")
}

// fail maps a repository error onto a status code. Validation and
// not-found messages are safe to echo; anything else is logged and
// replaced by the generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, generic string) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Issue not found")
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, "Issue ID already used")
	default:
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, http.StatusInternalServerError, generic)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
