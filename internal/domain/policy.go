package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action: итоговое решение политики по переводу.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRequireApproval Action = "require_approval"

	// actionLegacyApprove: старый синоним allow. Принимается только на входе (JSON/YAML),
	// внутрь ядра не попадает.
	actionLegacyApprove Action = "approve"
)

// ParseAction нормализует входное значение в каноничный enum.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAllow, actionLegacyApprove:
		return ActionAllow, nil
	case ActionDeny:
		return ActionDeny, nil
	case ActionRequireApproval:
		return ActionRequireApproval, nil
	}
	return "", invalid("action", "unknown action %q", s)
}

// UnmarshalText используется и encoding/json, и yaml.v3, поэтому синоним
// схлопывается ровно на границе ввода.
func (a *Action) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = ""
		return nil
	}
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionDeny || a == ActionRequireApproval
}

// ConditionLogic: комбинатор по сконфигурированным измерениям.
type ConditionLogic string

const (
	LogicAND ConditionLogic = "AND"
	LogicOR  ConditionLogic = "OR"
)

// PolicyStatus: состояние жизненного цикла политики (независимо от IsActive).
type PolicyStatus string

const (
	StatusDraft           PolicyStatus = "draft"
	StatusActive          PolicyStatus = "active"
	StatusPendingApproval PolicyStatus = "pending_approval"
	StatusDeleted         PolicyStatus = "deleted"
)

type InitiatorType string

const (
	InitiatorAny   InitiatorType = "any"
	InitiatorUser  InitiatorType = "user"
	InitiatorGroup InitiatorType = "group"
)

// SelectorType общий для кошелька-источника и актива: any или конкретный набор.
type SelectorType string

const (
	SelectorAny      SelectorType = "any"
	SelectorSpecific SelectorType = "specific"
)

type DestinationType string

const (
	DestinationAny       DestinationType = "any"
	DestinationInternal  DestinationType = "internal"
	DestinationExternal  DestinationType = "external"
	DestinationWhitelist DestinationType = "whitelist"
)

type AmountOperator string

const (
	AmountAny     AmountOperator = "any"
	AmountAbove   AmountOperator = "above"
	AmountBelow   AmountOperator = "below"
	AmountBetween AmountOperator = "between"
)

type InitiatorCondition struct {
	Type   InitiatorType `json:"type" yaml:"type"`
	Values []string      `json:"values,omitempty" yaml:"values,omitempty"`
}

func (c InitiatorCondition) Configured() bool {
	return c.Type != "" && c.Type != InitiatorAny
}

type SelectorCondition struct {
	Type   SelectorType `json:"type" yaml:"type"`
	Values []string     `json:"values,omitempty" yaml:"values,omitempty"`
}

func (c SelectorCondition) Configured() bool {
	return c.Type != "" && c.Type != SelectorAny
}

type DestinationCondition struct {
	Type   DestinationType `json:"type" yaml:"type"`
	Values []string        `json:"values,omitempty" yaml:"values,omitempty"`
}

func (c DestinationCondition) Configured() bool {
	return c.Type != "" && c.Type != DestinationAny
}

// AmountCondition хранит границы строками, как они пришли от пользователя.
type AmountCondition struct {
	Condition AmountOperator `json:"condition" yaml:"condition"`
	Min       string         `json:"min,omitempty" yaml:"min,omitempty"`
	Max       string         `json:"max,omitempty" yaml:"max,omitempty"`
}

func (c AmountCondition) Configured() bool {
	return c.Condition != "" && c.Condition != AmountAny
}

// Bounds разбирает границы. Отсутствующий min = 0, отсутствующий max = +∞ (nil).
func (c AmountCondition) Bounds() (decimal.Decimal, *decimal.Decimal, error) {
	lower := decimal.Zero
	if strings.TrimSpace(c.Min) != "" {
		v, err := decimal.NewFromString(strings.TrimSpace(c.Min))
		if err != nil {
			return decimal.Zero, nil, fmt.Errorf("amount min %q: %w", c.Min, err)
		}
		lower = v
	}
	if strings.TrimSpace(c.Max) == "" {
		return lower, nil, nil
	}
	upper, err := decimal.NewFromString(strings.TrimSpace(c.Max))
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("amount max %q: %w", c.Max, err)
	}
	return lower, &upper, nil
}

// Policy: правило с приоритетом, условиями, действием и собственным контуром управления изменениями.
type Policy struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int    `json:"priority" yaml:"priority"` // меньше = раньше

	ConditionLogic ConditionLogic       `json:"condition_logic" yaml:"condition_logic"`
	Initiator      InitiatorCondition   `json:"initiator" yaml:"initiator"`
	SourceWallet   SelectorCondition    `json:"source_wallet" yaml:"source_wallet"`
	Destination    DestinationCondition `json:"destination" yaml:"destination"`
	Amount         AmountCondition      `json:"amount" yaml:"amount"`
	Asset          SelectorCondition    `json:"asset" yaml:"asset"`

	Action   Action       `json:"action" yaml:"action"`
	IsActive bool         `json:"is_active" yaml:"is_active"`
	Status   PolicyStatus `json:"status" yaml:"status"`

	// Кворум для переводов, требующих подтверждения
	Approvers      []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	QuorumRequired int      `json:"quorum_required" yaml:"quorum_required"`

	// Контур управления изменениями самой политики
	ChangeApproversList     []string       `json:"change_approvers_list,omitempty" yaml:"change_approvers_list,omitempty"`
	ChangeApprovalsRequired int            `json:"change_approvals_required" yaml:"change_approvals_required"`
	ChangeApprovers         []string       `json:"change_approvers,omitempty" yaml:"-"`
	ChangeInitiator         string         `json:"change_initiator,omitempty" yaml:"-"`
	PendingChanges          *PendingChange `json:"pending_changes,omitempty" yaml:"-"`
	ChangeRequestedAt       *time.Time     `json:"change_requested_at,omitempty" yaml:"-"`

	// Version: токен оптимистичной блокировки, растет при каждой записи в хранилище.
	Version   int64     `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Governed сообщает, задан ли список тех, кто вправе менять политику.
// Пустой список: явное состояние "ungoverned", а не "нет согласующих".
func (p *Policy) Governed() bool {
	return len(p.ChangeApproversList) > 0
}

// EffectiveStatus: статус, по которому политика участвует в оценке переводов.
// Пока изменение ждет кворума, действует статус до подачи.
func (p *Policy) EffectiveStatus() PolicyStatus {
	if p.Status == StatusPendingApproval {
		return p.PendingChanges.RestoreStatus()
	}
	return p.Status
}

// Enforceable: политика участвует в оценке переводов.
// Ожидающее изменение не приостанавливает действие текущей версии правила и не включает черновик.
func (p *Policy) Enforceable() bool {
	return p.IsActive && p.EffectiveStatus() == StatusActive
}

// Clone делает глубокую копию: машина состояний никогда не мутирует вход.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	c.Initiator.Values = cloneStrings(p.Initiator.Values)
	c.SourceWallet.Values = cloneStrings(p.SourceWallet.Values)
	c.Destination.Values = cloneStrings(p.Destination.Values)
	c.Asset.Values = cloneStrings(p.Asset.Values)
	c.Approvers = cloneStrings(p.Approvers)
	c.ChangeApproversList = cloneStrings(p.ChangeApproversList)
	c.ChangeApprovers = cloneStrings(p.ChangeApprovers)
	if p.PendingChanges != nil {
		c.PendingChanges = p.PendingChanges.Clone()
	}
	if p.ChangeRequestedAt != nil {
		t := *p.ChangeRequestedAt
		c.ChangeRequestedAt = &t
	}
	return &c
}

// Normalize проставляет значения по умолчанию для незаданных полей.
func (p *Policy) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	if p.ConditionLogic == "" {
		p.ConditionLogic = LogicAND
	}
	p.ConditionLogic = ConditionLogic(strings.ToUpper(string(p.ConditionLogic)))
	if p.Initiator.Type == "" {
		p.Initiator.Type = InitiatorAny
	}
	if p.SourceWallet.Type == "" {
		p.SourceWallet.Type = SelectorAny
	}
	if p.Destination.Type == "" {
		p.Destination.Type = DestinationAny
	}
	if p.Amount.Condition == "" {
		p.Amount.Condition = AmountAny
	}
	if p.Asset.Type == "" {
		p.Asset.Type = SelectorAny
	}
	if p.QuorumRequired < 1 {
		p.QuorumRequired = 1
	}
	if p.ChangeApprovalsRequired < 1 {
		p.ChangeApprovalsRequired = 1
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
}

// Validate проверяет форму политики. Одна и та же схема применяется при создании
// и к результату применения PolicyPatch.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return invalid("name", "must not be empty")
	}
	if p.ConditionLogic != LogicAND && p.ConditionLogic != LogicOR {
		return invalid("condition_logic", "must be AND or OR, got %q", p.ConditionLogic)
	}

	switch p.Initiator.Type {
	case InitiatorAny:
	case InitiatorUser, InitiatorGroup:
		if len(p.Initiator.Values) == 0 {
			return invalid("initiator.values", "required for initiator type %q", p.Initiator.Type)
		}
	default:
		return invalid("initiator.type", "unknown type %q", p.Initiator.Type)
	}

	if err := validateSelector("source_wallet", p.SourceWallet); err != nil {
		return err
	}
	if err := validateSelector("asset", p.Asset); err != nil {
		return err
	}

	switch p.Destination.Type {
	case DestinationAny, DestinationInternal, DestinationExternal:
	case DestinationWhitelist:
		if len(p.Destination.Values) == 0 {
			return invalid("destination.values", "whitelist must not be empty")
		}
	default:
		return invalid("destination.type", "unknown type %q", p.Destination.Type)
	}

	if err := validateAmount(p.Amount); err != nil {
		return err
	}

	if !p.Action.Valid() {
		return invalid("action", "unknown action %q", p.Action)
	}
	if p.Status != StatusDraft && p.Status != StatusActive && p.Status != StatusPendingApproval {
		return invalid("status", "unsupported status %q", p.Status)
	}

	// Кворум для переводов
	if p.QuorumRequired < 1 {
		return invalid("quorum_required", "must be at least 1")
	}
	if err := validateRoster("approvers", p.Approvers); err != nil {
		return err
	}
	if p.Action == ActionRequireApproval && len(p.Approvers) == 0 {
		return invalid("approvers", "require_approval policy needs at least one approver")
	}
	if len(p.Approvers) > 0 && p.QuorumRequired > len(p.Approvers) {
		return invalid("quorum_required", "quorum %d exceeds %d approvers", p.QuorumRequired, len(p.Approvers))
	}

	// Кворум для изменения самой политики
	if p.ChangeApprovalsRequired < 1 {
		return invalid("change_approvals_required", "must be at least 1")
	}
	if err := validateRoster("change_approvers_list", p.ChangeApproversList); err != nil {
		return err
	}
	if p.Governed() && p.ChangeApprovalsRequired > len(p.ChangeApproversList) {
		return invalid("change_approvals_required", "quorum %d exceeds %d change approvers",
			p.ChangeApprovalsRequired, len(p.ChangeApproversList))
	}
	return nil
}

func validateSelector(field string, c SelectorCondition) error {
	switch c.Type {
	case SelectorAny:
		return nil
	case SelectorSpecific:
		if len(c.Values) == 0 {
			return invalid(field+".values", "required for type %q", c.Type)
		}
		return nil
	}
	return invalid(field+".type", "unknown type %q", c.Type)
}

func validateAmount(c AmountCondition) error {
	switch c.Condition {
	case AmountAny:
		return nil
	case AmountAbove, AmountBelow:
		if strings.TrimSpace(c.Min) == "" {
			return invalid("amount.min", "required for condition %q", c.Condition)
		}
	case AmountBetween:
		if strings.TrimSpace(c.Min) == "" && strings.TrimSpace(c.Max) == "" {
			return invalid("amount", "between needs at least one bound")
		}
	default:
		return invalid("amount.condition", "unknown condition %q", c.Condition)
	}

	lower, upper, err := c.Bounds()
	if err != nil {
		return invalid("amount", "%v", err)
	}
	if lower.IsNegative() {
		return invalid("amount.min", "must not be negative")
	}
	if upper != nil {
		if upper.IsNegative() {
			return invalid("amount.max", "must not be negative")
		}
		if c.Condition == AmountBetween && upper.LessThan(lower) {
			return invalid("amount", "min %s is greater than max %s", lower, upper)
		}
	}
	return nil
}

func validateRoster(field string, roster []string) error {
	seen := make(map[string]struct{}, len(roster))
	for _, entry := range roster {
		key := strings.ToLower(strings.TrimSpace(entry))
		if key == "" {
			return invalid(field, "contains an empty entry")
		}
		if _, dup := seen[key]; dup {
			return invalid(field, "duplicate entry %q", entry)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
