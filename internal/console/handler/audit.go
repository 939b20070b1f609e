package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/domain"
)

type AuditService interface {
	FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

type AuditHandler struct {
	service AuditService
}

func NewAuditHandler(s AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает журнал решений с поддержкой фильтрации
// GET /v1/audit?kind=...&policy_id=...&actor=...&since=RFC3339&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	// Извлекаем фильтры из Query-параметров
	q := r.URL.Query()
	f := audit.Filter{
		Kind:     audit.Kind(q.Get("kind")),
		PolicyID: q.Get("policy_id"),
		Actor:    q.Get("actor"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, &domain.ValidationError{Field: "since", Message: "must be RFC3339"})
			return
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, &domain.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		f.Limit = limit
	}

	logs, err := h.service.FetchLogs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
