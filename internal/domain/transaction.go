package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRequest: эфемерный запрос на перевод, не сохраняется.
type TransactionRequest struct {
	Initiator             string          `json:"initiator" yaml:"initiator"`
	InitiatorGroups       []string        `json:"initiator_groups,omitempty" yaml:"initiator_groups,omitempty"`
	SourceWallet          string          `json:"source_wallet" yaml:"source_wallet"`
	Destination           string          `json:"destination" yaml:"destination"`
	DestinationIsInternal bool            `json:"destination_is_internal" yaml:"destination_is_internal"`
	AmountUSD             decimal.Decimal `json:"amount_usd" yaml:"amount_usd"`
	Asset                 string          `json:"asset" yaml:"asset"`
}

// Validate отсекает запросы, по которым решение принять нельзя в принципе.
func (r *TransactionRequest) Validate() error {
	if strings.TrimSpace(r.Initiator) == "" {
		return invalid("initiator", "must not be empty")
	}
	if r.AmountUSD.IsNegative() {
		return invalid("amount_usd", "must not be negative")
	}
	return nil
}

// TransactionStatus: конечный автомат перевода, требующего подтверждения.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
)

// Transaction накапливает подтверждения по той же схеме, что и изменения политики,
// но без проверки выполнимости кворума при создании.
type Transaction struct {
	ID       string             `json:"id"`
	PolicyID string             `json:"policy_id"`
	Request  TransactionRequest `json:"request"`

	Initiator          string               `json:"initiator"`
	Approvers          []string             `json:"approvers"`
	QuorumRequired     int                  `json:"quorum_required"`
	Approvals          []string             `json:"approvals"`
	ApprovalTimestamps map[string]time.Time `json:"approval_timestamps"`
	Status             TransactionStatus    `json:"status"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Request.InitiatorGroups = cloneStrings(t.Request.InitiatorGroups)
	c.Approvers = cloneStrings(t.Approvers)
	c.Approvals = cloneStrings(t.Approvals)
	c.ApprovalTimestamps = make(map[string]time.Time, len(t.ApprovalTimestamps))
	for k, v := range t.ApprovalTimestamps {
		c.ApprovalTimestamps[k] = v
	}
	return &c
}

// Decision: результат оценки перевода. Оценка никогда не возвращает ошибку.
type Decision struct {
	PolicyID   string          `json:"policy_id,omitempty"`
	PolicyName string          `json:"policy_name,omitempty"`
	Action     Action          `json:"action"`
	Reason     string          `json:"reason"`
	InReview   *PolicyInReview `json:"policy_in_review,omitempty"`

	// Matched: сработавшая политика; nil при запрете по умолчанию.
	Matched *Policy `json:"-"`
}

// PolicyInReview предупреждает, что сработавшее правило скоро изменится.
type PolicyInReview struct {
	IsInReview bool   `json:"is_in_review"`
	ChangeType string `json:"change_type"` // edit | delete
	PolicyName string `json:"policy_name"`
}
