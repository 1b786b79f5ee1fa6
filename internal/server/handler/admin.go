package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/billix/billswap/internal/domain"
)

// AdminHandler serves operator endpoints: the audit log and the archive
// listing. Every route requires the admin role.
type AdminHandler struct {
	audit         domain.AuditStore
	archives      domain.BlobReader
	archivePrefix func(day time.Time) string
	logger        *slog.Logger
}

// NewAdminHandler creates an AdminHandler. archives may be nil when cold
// storage is disabled.
func NewAdminHandler(audit domain.AuditStore, archives domain.BlobReader, archivePrefix func(time.Time) string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{audit: audit, archives: archives, archivePrefix: archivePrefix, logger: logger}
}

type auditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// Audit returns audit entries, newest first.
// GET /api/admin/audit?limit=50&offset=0
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}

type archivesResponse struct {
	Day     string            `json:"day"`
	Objects []domain.BlobInfo `json:"objects"`
}

// Archives lists the archive objects cut on one day.
// GET /api/admin/archives?day=2025-03-04
func (h *AdminHandler) Archives(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	if h.archives == nil {
		writeError(w, http.StatusNotFound, "archiving is disabled")
		return
	}
	day := time.Now().UTC()
	if v := r.URL.Query().Get("day"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		day = d
	}
	objs, err := h.archives.List(r.Context(), h.archivePrefix(day))
	if err != nil {
		writeServiceError(w, r, h.logger, "list archives", err)
		return
	}
	if objs == nil {
		objs = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, archivesResponse{Day: day.Format(time.DateOnly), Objects: objs})
}
