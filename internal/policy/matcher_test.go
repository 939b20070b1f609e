package policy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

func newPolicy(id string, priority int, action domain.Action) *domain.Policy {
	p := &domain.Policy{
		ID:       id,
		Name:     "policy " + id,
		Priority: priority,
		Action:   action,
		IsActive: true,
	}
	p.Normalize()
	return p
}

func request(amount string) *domain.TransactionRequest {
	return &domain.TransactionRequest{
		Initiator:       "alice",
		InitiatorGroups: []string{"treasury"},
		SourceWallet:    "0xHOT",
		Destination:     "0xEXCHANGE",
		AmountUSD:       decimal.RequireFromString(amount),
		Asset:           "USDC",
	}
}

func TestMatch_NoConditionsIsCatchAll(t *testing.T) {
	p := newPolicy("1", 0, domain.ActionDeny)

	for _, amount := range []string{"0", "1", "999999999"} {
		res := Match(p, request(amount))
		assert.True(t, res.Matched)
		assert.Empty(t, res.Dimensions)
	}
}

func TestMatch_Dimensions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *domain.Policy)
		want   bool
	}{
		{"initiator user hit", func(p *domain.Policy) {
			p.Initiator = domain.InitiatorCondition{Type: domain.InitiatorUser, Values: []string{"alice"}}
		}, true},
		{"initiator user miss", func(p *domain.Policy) {
			p.Initiator = domain.InitiatorCondition{Type: domain.InitiatorUser, Values: []string{"bob"}}
		}, false},
		{"initiator group hit", func(p *domain.Policy) {
			p.Initiator = domain.InitiatorCondition{Type: domain.InitiatorGroup, Values: []string{"ops", "treasury"}}
		}, true},
		{"source wallet case-insensitive", func(p *domain.Policy) {
			p.SourceWallet = domain.SelectorCondition{Type: domain.SelectorSpecific, Values: []string{"0xhot"}}
		}, true},
		{"destination internal miss", func(p *domain.Policy) {
			p.Destination = domain.DestinationCondition{Type: domain.DestinationInternal}
		}, false},
		{"destination external hit", func(p *domain.Policy) {
			p.Destination = domain.DestinationCondition{Type: domain.DestinationExternal}
		}, true},
		{"destination whitelist hit", func(p *domain.Policy) {
			p.Destination = domain.DestinationCondition{Type: domain.DestinationWhitelist, Values: []string{"0xExchange"}}
		}, true},
		{"amount above strict", func(p *domain.Policy) {
			p.Amount = domain.AmountCondition{Condition: domain.AmountAbove, Min: "1000"}
		}, false},
		{"amount below min", func(p *domain.Policy) {
			p.Amount = domain.AmountCondition{Condition: domain.AmountBelow, Min: "1000.01"}
		}, true},
		{"amount between inclusive", func(p *domain.Policy) {
			p.Amount = domain.AmountCondition{Condition: domain.AmountBetween, Min: "1000", Max: "1000"}
		}, true},
		{"amount between open max", func(p *domain.Policy) {
			p.Amount = domain.AmountCondition{Condition: domain.AmountBetween, Min: "500"}
		}, true},
		{"amount broken bound fails closed", func(p *domain.Policy) {
			p.Amount = domain.AmountCondition{Condition: domain.AmountAbove, Min: "abc"}
		}, false},
		{"asset case-insensitive", func(p *domain.Policy) {
			p.Asset = domain.SelectorCondition{Type: domain.SelectorSpecific, Values: []string{"usdc"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPolicy("1", 0, domain.ActionAllow)
			tt.mutate(p)
			res := Match(p, request("1000"))
			assert.Equal(t, tt.want, res.Matched)
			assert.Len(t, res.Dimensions, 1)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestMatch_AndOrLogic(t *testing.T) {
	hit := domain.InitiatorCondition{Type: domain.InitiatorUser, Values: []string{"alice"}}
	miss := domain.AmountCondition{Condition: domain.AmountAbove, Min: "1000000"}
	alsoHit := domain.SelectorCondition{Type: domain.SelectorSpecific, Values: []string{"USDC"}}

	tests := []struct {
		name  string
		logic domain.ConditionLogic
		both  bool
		want  bool
	}{
		{"AND with one miss", domain.LogicAND, false, false},
		{"AND with both hit", domain.LogicAND, true, true},
		{"OR with one miss", domain.LogicOR, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPolicy("1", 0, domain.ActionAllow)
			p.ConditionLogic = tt.logic
			p.Initiator = hit
			if tt.both {
				p.Asset = alsoHit
			} else {
				p.Amount = miss
			}
			assert.Equal(t, tt.want, Match(p, request("10")).Matched)
		})
	}

	t.Run("OR with both miss", func(t *testing.T) {
		p := newPolicy("1", 0, domain.ActionAllow)
		p.ConditionLogic = domain.LogicOR
		p.Amount = miss
		p.Destination = domain.DestinationCondition{Type: domain.DestinationInternal}
		assert.False(t, Match(p, request("10")).Matched)
	})
}

func TestMatch_ReasonNamesDimensions(t *testing.T) {
	p := newPolicy("1", 0, domain.ActionAllow)
	p.Initiator = domain.InitiatorCondition{Type: domain.InitiatorUser, Values: []string{"alice"}}
	p.Destination = domain.DestinationCondition{Type: domain.DestinationInternal}

	res := Match(p, request("10"))
	assert.False(t, res.Matched)
	assert.Contains(t, res.Reason, "matched [initiator]")
	assert.Contains(t, res.Reason, "unmatched [destination]")
}
