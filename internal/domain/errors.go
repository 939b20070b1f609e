package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Хендлеры маппят их в HTTP-статусы через errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrQuorumInfeasible  = errors.New("quorum infeasible")
	ErrIdentityAmbiguous = errors.New("cannot verify identity")
	ErrChangePending     = errors.New("a change is already pending")
	ErrNotPending        = errors.New("no pending change")
	ErrVersionConflict   = errors.New("version conflict")
	ErrAlreadyCompleted  = errors.New("transaction already completed")
)

// ValidationError описывает ошибку конкретного поля (field-level detail для клиента).
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
