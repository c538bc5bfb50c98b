package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"notebook/api/internal/auth"
	"notebook/api/internal/metrics"
	"notebook/api/internal/scope"
	"notebook/api/internal/validate"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*HTTPServer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPServer) { s.logger = logger }
}

// WithMetrics records every request and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *HTTPServer) { s.metrics = m }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...Option) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found.", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", fmt.Sprintf("Method %q not allowed.", r.Method), nil)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/authors", func(r chi.Router) {
		r.Post("/signup/", s.handleSignUp)
		r.Post("/login/", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuthor)
			r.Post("/logout/", s.handleLogout)
			r.Get("/me/", s.handleMe)
			r.Delete("/me/", s.handleDeleteMe)
		})
	})

	r.Route("/notes", func(r chi.Router) {
		r.With(s.optionalAuthor).Get("/note/list/", s.handleListNotes)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuthor)
			r.Post("/note/create/", s.handleCreateNote)
			r.Get("/note/{id:[0-9]+}/", s.handleGetNote)
			r.Patch("/note/{id:[0-9]+}/", s.handleUpdateNote(true))
			r.Put("/note/{id:[0-9]+}/", s.handleUpdateNote(false))
			r.Delete("/note/{id:[0-9]+}/", s.handleDeleteNote)

			r.Post("/tag/create/", s.handleCreateTag)
			r.Get("/tag/list/", s.handleListTags)
			r.Get("/tag/{uuid}/", s.handleGetTag)
			r.Patch("/tag/{uuid}/", s.handleUpdateTag(true))
			r.Put("/tag/{uuid}/", s.handleUpdateTag(false))
			r.Delete("/tag/{uuid}/", s.handleDeleteTag)
		})
	})

	return r
}

// Health and readiness

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready, checks := s.service.Ready(ctx)
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

// Authors

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body CredentialsInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, invalidBody(err))
		return
	}
	author, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, author)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body CredentialsInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, invalidBody(err))
		return
	}
	token, err := s.service.Login(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), sessionFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.CurrentAuthor(sessionFrom(r)))
}

func (s *HTTPServer) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteAuthor(r.Context(), sessionFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Notes

func (s *HTTPServer) handleListNotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	notes, err := s.service.ListNotes(r.Context(), requesterFrom(r), query.Get("search"), query.Get("tag"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *HTTPServer) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var body NoteInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, invalidBody(err))
		return
	}
	note, err := s.service.CreateNote(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *HTTPServer) handleGetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	note, err := s.service.GetNote(r.Context(), requesterFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *HTTPServer) handleUpdateNote(partial bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := noteID(w, r)
		if !ok {
			return
		}
		var body NoteInput
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, invalidBody(err))
			return
		}
		note, err := s.service.UpdateNote(r.Context(), requesterFrom(r), id, body, partial)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, note)
	}
}

func (s *HTTPServer) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteNote(r.Context(), requesterFrom(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Tags

func (s *HTTPServer) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var body TagInput
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, invalidBody(err))
		return
	}
	tag, err := s.service.CreateTag(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (s *HTTPServer) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.service.ListTags(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *HTTPServer) handleGetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := tagID(w, r)
	if !ok {
		return
	}
	tag, err := s.service.GetTag(r.Context(), requesterFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *HTTPServer) handleUpdateTag(partial bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := tagID(w, r)
		if !ok {
			return
		}
		var body TagInput
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, invalidBody(err))
			return
		}
		tag, err := s.service.UpdateTag(r.Context(), requesterFrom(r), id, body, partial)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tag)
	}
}

func (s *HTTPServer) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, ok := tagID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteTag(r.Context(), requesterFrom(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func noteID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found.", nil)
		return 0, false
	}
	return id, true
}

func tagID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found.", nil)
		return uuid.Nil, false
	}
	return id, true
}

// Authentication

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func requesterFrom(r *http.Request) scope.Requester {
	if session, ok := r.Context().Value(sessionKey{}).(Session); ok {
		return session.Requester()
	}
	return scope.Anonymous{}
}

func (s *HTTPServer) requireAuthor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, present, err := auth.KeyFromRequest(r)
		if err == nil && !present {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication credentials were not provided.", nil)
			return
		}
		session, ok := s.requireSession(w, r, key, err)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

// optionalAuthor lets anonymous requests through but still rejects a Token
// header that does not resolve to an author.
func (s *HTTPServer) optionalAuthor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, present, err := auth.KeyFromRequest(r)
		if err == nil && !present {
			next.ServeHTTP(w, r)
			return
		}
		session, ok := s.requireSession(w, r, key, err)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request, key string, headerErr error) (Session, bool) {
	if headerErr != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", headerErr.Error(), nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), key)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token.", nil)
			return Session{}, false
		}
		s.logger.ErrorContext(r.Context(), "session lookup failed", "request_id", requestID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// Plumbing

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = routeLabel(rctx.RoutePattern())
		}
		elapsed := time.Since(started)
		s.metrics.Observe(r.Method, route, writer.status, elapsed)
		s.logger.InfoContext(r.Context(), "request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// routeLabel drops the trailing slash so a route has one label whichever
// form the router reports it in.
func routeLabel(pattern string) string {
	if pattern == "/" {
		return pattern
	}
	return strings.TrimSuffix(pattern, "/")
}

// decodeBody treats an empty body as "{}" so missing fields surface as
// validation errors.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return typeMismatch(typeErr)
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// typeMismatch reports a well-formed body whose field has the wrong JSON type
// against that field, the way other validation failures are reported.
func typeMismatch(err *json.UnmarshalTypeError) validate.FieldErrors {
	field, _, _ := strings.Cut(err.Field, ".")
	if field == "" {
		return validate.NonField(fmt.Sprintf("Invalid data. Expected a dictionary, but got %s.", err.Value))
	}
	var message string
	switch err.Type.Kind() {
	case reflect.Slice:
		message = fmt.Sprintf("Expected a list of items but got type %q.", err.Value)
	case reflect.Bool:
		message = "Must be a valid boolean."
	case reflect.String:
		message = "Not a valid string."
	default:
		message = "Invalid value."
	}
	return validate.FieldErrors{field: {message}}
}

// fail writes err as a response. Validation failures are written as the
// field map itself; server errors are logged and hidden from the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErrs validate.FieldErrors
	if errors.As(err, &fieldErrs) {
		writeJSON(w, http.StatusBadRequest, fieldErrs)
		return
	}
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "request_id", requestID(r.Context()), "error", err)
	}
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found.", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token.", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
