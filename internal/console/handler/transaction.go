package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/treasury-guard/internal/console/service"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/infra/auth"
)

type TransactionService interface {
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	List(ctx context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error)
	Approve(ctx context.Context, id, subject string) (*service.TransactionResult, error)
}

type TransactionHandler struct {
	service TransactionService
}

func NewTransactionHandler(s TransactionService) *TransactionHandler {
	return &TransactionHandler{service: s}
}

// List: очередь переводов; ?status=all для всех.
// GET /v1/transactions
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.TransactionStatus(r.URL.Query().Get("status")) // Достаем из ?status=...
	switch status {
	case "":
		status = domain.TxStatusPending // Дефолт для удобства админки
	case "all":
		status = ""
	}

	list, err := h.service.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *TransactionHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Approve: голос участника ростера; повторный голос возвращает 200 без изменений.
// POST /v1/transactions/{id}/approve
func (h *TransactionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Approve(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
