package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/otcheredev/dicom-viewer-core/internal/repository"
)

type AuditHandler struct {
	repo *repository.AuditRepository
}

func NewAuditHandler(repo *repository.AuditRepository) *AuditHandler {
	return &AuditHandler{repo: repo}
}

func auditFilter(r *http.Request) (repository.AuditFilter, bool) {
	q := r.URL.Query()
	filter := repository.AuditFilter{
		DataSource: q.Get("data_source"),
		StudyUID:   q.Get("study_uid"),
		Class:      q.Get("class"),
		State:      q.Get("state"),
		Limit:      100,
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return filter, false
		}
		filter.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, false
		}
		filter.Offset = n
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, false
		}
		filter.Since = t
	}
	return filter, true
}

// List returns audit entries, newest first
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(r)
	if !ok {
		http.Error(w, "Invalid query parameters", http.StatusBadRequest)
		return
	}

	entries, err := h.repo.List(r.Context(), filter)
	if err != nil {
		writeError(w, err, "Failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Summary returns terminal state counts per class
func (h *AuditHandler) Summary(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilter(r)
	if !ok {
		http.Error(w, "Invalid query parameters", http.StatusBadRequest)
		return
	}

	counts, err := h.repo.CountByState(r.Context(), filter)
	if err != nil {
		writeError(w, err, "Failed to summarise audit entries")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
