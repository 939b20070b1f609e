package domain

// PolicyPatch: строго типизированный diff политики. nil-поле означает "не менять".
type PolicyPatch struct {
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	ConditionLogic *ConditionLogic `json:"condition_logic,omitempty"`

	InitiatorType     *InitiatorType   `json:"initiator_type,omitempty"`
	InitiatorValues   *[]string        `json:"initiator_values,omitempty"`
	SourceWalletType  *SelectorType    `json:"source_wallet_type,omitempty"`
	SourceWallets     *[]string        `json:"source_wallets,omitempty"`
	DestinationType   *DestinationType `json:"destination_type,omitempty"`
	DestinationValues *[]string        `json:"destination_values,omitempty"`
	AmountCondition   *AmountOperator  `json:"amount_condition,omitempty"`
	AmountMin         *string          `json:"amount_min,omitempty"`
	AmountMax         *string          `json:"amount_max,omitempty"`
	AssetType         *SelectorType    `json:"asset_type,omitempty"`
	Assets            *[]string        `json:"assets,omitempty"`

	Action   *Action `json:"action,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`

	Approvers               *[]string `json:"approvers,omitempty"`
	QuorumRequired          *int      `json:"quorum_required,omitempty"`
	ChangeApproversList     *[]string `json:"change_approvers_list,omitempty"`
	ChangeApprovalsRequired *int      `json:"change_approvals_required,omitempty"`
}

// Empty: патч без единого поля.
func (d PolicyPatch) Empty() bool {
	return d == PolicyPatch{}
}

// ApplyTo возвращает копию политики с наложенным патчем. Исходная политика не меняется.
func (d PolicyPatch) ApplyTo(p *Policy) *Policy {
	out := p.Clone()
	if d.Name != nil {
		out.Name = *d.Name
	}
	if d.Description != nil {
		out.Description = *d.Description
	}
	if d.ConditionLogic != nil {
		out.ConditionLogic = *d.ConditionLogic
	}
	if d.InitiatorType != nil {
		out.Initiator.Type = *d.InitiatorType
	}
	if d.InitiatorValues != nil {
		out.Initiator.Values = cloneStrings(*d.InitiatorValues)
	}
	if d.SourceWalletType != nil {
		out.SourceWallet.Type = *d.SourceWalletType
	}
	if d.SourceWallets != nil {
		out.SourceWallet.Values = cloneStrings(*d.SourceWallets)
	}
	if d.DestinationType != nil {
		out.Destination.Type = *d.DestinationType
	}
	if d.DestinationValues != nil {
		out.Destination.Values = cloneStrings(*d.DestinationValues)
	}
	if d.AmountCondition != nil {
		out.Amount.Condition = *d.AmountCondition
	}
	if d.AmountMin != nil {
		out.Amount.Min = *d.AmountMin
	}
	if d.AmountMax != nil {
		out.Amount.Max = *d.AmountMax
	}
	if d.AssetType != nil {
		out.Asset.Type = *d.AssetType
	}
	if d.Assets != nil {
		out.Asset.Values = cloneStrings(*d.Assets)
	}
	if d.Action != nil {
		out.Action = *d.Action
	}
	if d.IsActive != nil {
		out.IsActive = *d.IsActive
	}
	if d.Approvers != nil {
		out.Approvers = cloneStrings(*d.Approvers)
	}
	if d.QuorumRequired != nil {
		out.QuorumRequired = *d.QuorumRequired
	}
	if d.ChangeApproversList != nil {
		out.ChangeApproversList = cloneStrings(*d.ChangeApproversList)
	}
	if d.ChangeApprovalsRequired != nil {
		out.ChangeApprovalsRequired = *d.ChangeApprovalsRequired
	}
	return out
}

// Validate проверяет патч по той же схеме, что и создание политики:
// патч накладывается на копию, и проверяется результат.
func (d PolicyPatch) Validate(base *Policy) error {
	if d.Empty() {
		return invalid("patch", "no fields to change")
	}
	candidate := d.ApplyTo(base)
	candidate.Normalize()
	// Статус кандидата не важен для проверки формы
	candidate.Status = StatusActive
	return candidate.Validate()
}

// PendingChange: отложенное изменение, ожидающее кворума. Инертно до его достижения.
type PendingChange struct {
	Delete bool         `json:"__delete,omitempty"`
	Patch  *PolicyPatch `json:"patch,omitempty"`

	// PriorStatus: статус, в который политика вернется после применения или отмены.
	PriorStatus PolicyStatus `json:"prior_status,omitempty"`
}

// RestoreStatus: статус политики после применения или отмены изменения.
// Пустой PriorStatus (записи до появления поля) считается active.
func (c *PendingChange) RestoreStatus() PolicyStatus {
	if c != nil && c.PriorStatus == StatusDraft {
		return StatusDraft
	}
	return StatusActive
}

// ChangeType возвращает "delete" или "edit" для предупреждений вызывающей стороне.
func (c *PendingChange) ChangeType() string {
	if c != nil && c.Delete {
		return ChangeTypeDelete
	}
	return ChangeTypeEdit
}

func (c *PendingChange) Clone() *PendingChange {
	out := *c
	if c.Patch != nil {
		p := c.Patch.Clone()
		out.Patch = &p
	}
	return &out
}

const (
	ChangeTypeEdit   = "edit"
	ChangeTypeDelete = "delete"
)

// Clone копирует патч вместе со срезами.
func (d PolicyPatch) Clone() PolicyPatch {
	out := d
	out.InitiatorValues = cloneSlicePtr(d.InitiatorValues)
	out.SourceWallets = cloneSlicePtr(d.SourceWallets)
	out.DestinationValues = cloneSlicePtr(d.DestinationValues)
	out.Assets = cloneSlicePtr(d.Assets)
	out.Approvers = cloneSlicePtr(d.Approvers)
	out.ChangeApproversList = cloneSlicePtr(d.ChangeApproversList)
	return out
}

func cloneSlicePtr(in *[]string) *[]string {
	if in == nil {
		return nil
	}
	out := cloneStrings(*in)
	if out == nil {
		out = []string{}
	}
	return &out
}
