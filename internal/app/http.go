package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tideline/api/internal/auth"
	"tideline/api/internal/notify"
	"tideline/api/internal/search"
	"tideline/api/internal/store"
	"tideline/api/internal/stream"
)

// Pinger covers the readiness checks for backing stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	stream     *stream.Service
	search     *search.Service
	notify     *notify.RedisStore
	db         Pinger
	jwtSecret  []byte
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(streamService *stream.Service, searchService *search.Service, notifyStore *notify.RedisStore, db Pinger, jwtSecret []byte, corsOrigin string, log *zap.Logger) *HTTPServer {
	return &HTTPServer{
		stream:     streamService,
		search:     searchService,
		notify:     notifyStore,
		db:         db,
		jwtSecret:  jwtSecret,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		started := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(started)))
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/v3/") {
		viewer, err := s.viewerFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.handleV3(w, r, viewer)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.db.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.notify.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// viewerFromRequest verifies the bearer token and builds the request's
// viewer identity. Token issuance lives with the identity service; this
// API only verifies.
func (s *HTTPServer) viewerFromRequest(r *http.Request) (stream.Viewer, error) {
	token := bearerToken(r)
	if token == "" {
		return stream.Viewer{}, auth.ErrInvalidToken
	}
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return stream.Viewer{}, err
	}
	userID, err := uuid.Parse(claims.Sub)
	if err != nil {
		return stream.Viewer{}, auth.ErrInvalidToken
	}
	level, err := store.ParseAccessLevel(claims.Level)
	if err != nil {
		return stream.Viewer{}, auth.ErrInvalidToken
	}
	return stream.Viewer{ID: userID, Username: claims.Username, Level: level}, nil
}

func (s *HTTPServer) handleV3(w http.ResponseWriter, r *http.Request, viewer stream.Viewer) {
	path := r.URL.Path

	switch {
	case path == "/api/v3/stream" && r.Method == http.MethodGet:
		page, err := s.stream.List(r.Context(), viewer, r.URL.Query())
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case path == "/api/v3/stream" && r.Method == http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.stream.Create(r.Context(), viewer, body.Text)
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case path == "/api/v3/stream/search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)

	case path == "/api/v3/user/notifications" && r.Method == http.MethodGet:
		counts, err := s.notify.UserCounts(r.Context(), viewer.ID)
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)

	case path == "/api/v3/hashtags" && r.Method == http.MethodGet:
		s.handleHashtags(w, r)

	case strings.HasPrefix(path, "/api/v3/stream/"):
		s.handleStreamItem(w, r, viewer, strings.TrimPrefix(path, "/api/v3/stream/"))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleStreamItem(w http.ResponseWriter, r *http.Request, viewer stream.Viewer, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	postID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid post id %q", parts[0]), nil)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		view, err := s.stream.Get(r.Context(), viewer, postID)
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.stream.Delete(r.Context(), viewer, postID); err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case action == "reply" && r.Method == http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.stream.Reply(r.Context(), viewer, postID, body.Text)
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case action == "update" && r.Method == http.MethodPost:
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.stream.Update(r.Context(), viewer, postID, body.Text)
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case (action == "laugh" || action == "like" || action == "love") && r.Method == http.MethodPost:
		reaction, err := store.ParseReactionType(action)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
		view, err := s.stream.React(r.Context(), viewer, postID, reaction)
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case action == "unreact" && r.Method == http.MethodPost:
		view, err := s.stream.Unreact(r.Context(), viewer, postID)
		if err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case action == "bookmark" && r.Method == http.MethodPost:
		if err := s.stream.Bookmark(r.Context(), viewer, postID); err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})

	case action == "bookmark/remove" && r.Method == http.MethodPost:
		if err := s.stream.Unbookmark(r.Context(), viewer, postID); err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case action == "report" && r.Method == http.MethodPost:
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.stream.Report(r.Context(), viewer, postID, body.Message); err != nil {
			s.writeStreamError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response := s.search.Search(search.Query{
		Text:   strings.TrimSpace(query.Get("q")),
		Limit:  limit,
		Offset: offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleHashtags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.notify.Hashtags(r.Context())
	if err != nil {
		s.writeStreamError(w, err)
		return
	}
	prefix := strings.ToLower(strings.TrimPrefix(r.URL.Query().Get("prefix"), "#"))
	matched := make([]string, 0, len(tags))
	for _, tag := range tags {
		if prefix == "" || strings.HasPrefix(tag, prefix) {
			matched = append(matched, tag)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hashtags": matched})
}

// writeStreamError maps service errors onto the wire. Bad request beats
// not found beats forbidden; everything else is a server error.
func (s *HTTPServer) writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, stream.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, stream.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeBody(r *http.Request, into any) error {
	defer func() { _ = r.Body.Close() }()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
