package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/treasury-guard/internal/console/service"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/governance"
	"github.com/xela07ax/treasury-guard/internal/infra/auth"
	"github.com/xela07ax/treasury-guard/internal/risk"
)

// PolicyService Описываем, что нам нужно от сервиса
type PolicyService interface {
	Get(ctx context.Context, id string) (*domain.Policy, error)
	List(ctx context.Context) ([]*domain.Policy, error)
	Lint(ctx context.Context) ([]risk.Finding, error)
	Create(ctx context.Context, p *domain.Policy, subject string) (*service.ChangeResult, error)
	Reorder(ctx context.Context, orderedIDs []string, subject string) ([]*domain.Policy, error)
	SubmitChange(ctx context.Context, id string, patch domain.PolicyPatch, subject string) (*service.ChangeResult, error)
	SubmitDeletion(ctx context.Context, id, subject string) (*service.ChangeResult, error)
	Approve(ctx context.Context, id, subject string) (*service.ChangeResult, error)
	Cancel(ctx context.Context, id, subject string) (*service.ChangeResult, error)
}

type PolicyHandler struct {
	service PolicyService
}

func NewPolicyHandler(s PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// List возвращает все политики в порядке приоритета
// GET /v1/policies
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// Get возвращает детали конкретной политики по её ID.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Lint: замечания по конфигурации управления.
// GET /v1/policies/lint
func (h *PolicyHandler) Lint(w http.ResponseWriter, r *http.Request) {
	findings, err := h.service.Lint(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

// Create создает политику в конце списка.
// POST /v1/policies
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := decode(r, &p, false); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.service.Create(r.Context(), &p, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type reorderRequest struct {
	OrderedIDs []string `json:"ordered_ids"`
}

// Reorder переставляет политики.
// POST /v1/policies/reorder
func (h *PolicyHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.service.Reorder(r.Context(), req.OrderedIDs, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// SubmitChange подает типизированный diff. Неизвестные поля: 400.
// POST /v1/policies/{id}/changes
func (h *PolicyHandler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	var patch domain.PolicyPatch
	if err := decode(r, &patch, true); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.service.SubmitChange(r.Context(), chi.URLParam(r, "id"), patch, auth.Actor(r.Context()))
	h.respond(w, res, err)
}

// SubmitDeletion подает удаление.
// POST /v1/policies/{id}/deletion
func (h *PolicyHandler) SubmitDeletion(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.SubmitDeletion(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context()))
	h.respond(w, res, err)
}

// Approve: голос за ожидающее изменение.
// POST /v1/policies/{id}/approve
func (h *PolicyHandler) Approve(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context()))
	h.respond(w, res, err)
}

// Cancel отбрасывает ожидающее изменение.
// POST /v1/policies/{id}/cancel
func (h *PolicyHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context()))
	h.respond(w, res, err)
}

// respond: 202 если изменение ждет кворума, 200 если применено или голос учтен.
func (h *PolicyHandler) respond(w http.ResponseWriter, res *service.ChangeResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == governance.OutcomePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}
