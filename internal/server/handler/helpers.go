package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/server/middleware"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// writeJSON marshals v and writes it with status. A marshal failure becomes
// a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps err onto the HTTP status for its kind. Internal
// errors are logged and hidden from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := domain.ErrorKind(err)
	switch kind {
	case domain.KindValidation:
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: kind.String()})
	case domain.KindConcurrency:
		logger.WarnContext(r.Context(), "handler: "+op+" contention", slog.String("error", err.Error()))
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Kind: kind.String()})
	case domain.KindState:
		writeJSON(w, http.StatusConflict, errorResponse{Error: "this swap is no longer available", Kind: kind.String()})
	case domain.KindNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Kind: kind.String()})
	case domain.KindForbidden:
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden", Kind: kind.String()})
	default:
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON strictly decodes the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts reads limit, offset and a comma separated status filter.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	opts := domain.ListOpts{Limit: 50}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = min(n, 500)
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			st := domain.SwapStatus(strings.TrimSpace(s))
			if !st.Valid() {
				return opts, fmt.Errorf("unknown status %q", st)
			}
			opts.Statuses = append(opts.Statuses, st)
		}
	}
	return opts, nil
}

// caller returns the authenticated user, writing 401 when there is none.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.UserID(r.Context())
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return id, true
}

func isAdmin(r *http.Request) bool {
	return middleware.IsAdmin(r.Context())
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !isAdmin(r) {
		writeError(w, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}
