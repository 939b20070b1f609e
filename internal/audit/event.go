package audit

import "time"

// Kind: тип записи журнала.
type Kind string

const (
	KindTransferDecision    Kind = "transfer_decision"    // решение шлюза по переводу
	KindPolicyChange        Kind = "policy_change"        // подача/голос/отмена изменения политики
	KindTransactionApproval Kind = "transaction_approval" // голос за перевод
)

type Event struct {
	ID      string `json:"id"`       // UUID события
	TraceID string `json:"trace_id"` // Сквозной ID запроса
	Kind    Kind   `json:"kind"`
	Source  string `json:"source"` // "http", "grpc", "console"
	Actor   string `json:"actor"`  // инициатор перевода или участник ростера

	PolicyID      string `json:"policy_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	// Результат
	Action  string                 `json:"action,omitempty"`  // allow | deny | require_approval
	Outcome string                 `json:"outcome,omitempty"` // исход governance: applied, pending, ...
	Reason  string                 `json:"reason,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"` // снимок запроса

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// Filter: выборка журнала для консоли.
type Filter struct {
	Kind     Kind
	PolicyID string
	Actor    string
	Since    time.Time
	Limit    int
}
