package policy

/*
Файл matcher.go содержит чистую функцию сопоставления запроса на перевод с условиями политики.
Несконфигурированные измерения (тип "any") в оценке не участвуют.
*/

import (
	"fmt"
	"strings"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

const (
	DimensionInitiator    = "initiator"
	DimensionSourceWallet = "source_wallet"
	DimensionDestination  = "destination"
	DimensionAmount       = "amount"
	DimensionAsset        = "asset"
)

// DimensionResult: результат по одному сконфигурированному измерению.
type DimensionResult struct {
	Dimension string `json:"dimension"`
	Matched   bool   `json:"matched"`
}

type MatchResult struct {
	Matched    bool              `json:"matched"`
	Dimensions []DimensionResult `json:"dimensions"`
	Reason     string            `json:"reason"`
}

// Match сопоставляет запрос с политикой. Побочных эффектов нет.
func Match(p *domain.Policy, req *domain.TransactionRequest) MatchResult {
	results := make([]DimensionResult, 0, 5)

	if p.Initiator.Configured() {
		results = append(results, DimensionResult{DimensionInitiator, matchInitiator(p.Initiator, req)})
	}
	if p.SourceWallet.Configured() {
		results = append(results, DimensionResult{DimensionSourceWallet, containsFold(p.SourceWallet.Values, req.SourceWallet)})
	}
	if p.Destination.Configured() {
		results = append(results, DimensionResult{DimensionDestination, matchDestination(p.Destination, req)})
	}
	if p.Amount.Configured() {
		results = append(results, DimensionResult{DimensionAmount, matchAmount(p.Amount, req)})
	}
	if p.Asset.Configured() {
		results = append(results, DimensionResult{DimensionAsset, containsFold(p.Asset.Values, req.Asset)})
	}

	// Ни одного условия: политика-ловушка, срабатывает всегда
	if len(results) == 0 {
		return MatchResult{
			Matched:    true,
			Dimensions: results,
			Reason:     "no conditions configured, policy matches every transfer",
		}
	}

	matched := combine(p.ConditionLogic, results)
	return MatchResult{
		Matched:    matched,
		Dimensions: results,
		Reason:     describe(p.ConditionLogic, results, matched),
	}
}

func combine(logic domain.ConditionLogic, results []DimensionResult) bool {
	if logic == domain.LogicOR {
		for _, r := range results {
			if r.Matched {
				return true
			}
		}
		return false
	}
	// AND: значение по умолчанию
	for _, r := range results {
		if !r.Matched {
			return false
		}
	}
	return true
}

func matchInitiator(c domain.InitiatorCondition, req *domain.TransactionRequest) bool {
	switch c.Type {
	case domain.InitiatorUser:
		return contains(c.Values, req.Initiator)
	case domain.InitiatorGroup:
		for _, g := range req.InitiatorGroups {
			if contains(c.Values, g) {
				return true
			}
		}
	}
	return false
}

func matchDestination(c domain.DestinationCondition, req *domain.TransactionRequest) bool {
	switch c.Type {
	case domain.DestinationInternal:
		return req.DestinationIsInternal
	case domain.DestinationExternal:
		return !req.DestinationIsInternal
	case domain.DestinationWhitelist:
		return containsFold(c.Values, req.Destination)
	}
	return false
}

// matchAmount: битые границы означают несовпадение измерения (fail-closed).
func matchAmount(c domain.AmountCondition, req *domain.TransactionRequest) bool {
	lower, upper, err := c.Bounds()
	if err != nil {
		return false
	}
	amount := req.AmountUSD

	switch c.Condition {
	case domain.AmountAbove:
		return amount.GreaterThan(lower)
	case domain.AmountBelow:
		return amount.LessThan(lower)
	case domain.AmountBetween:
		if amount.LessThan(lower) {
			return false
		}
		return upper == nil || amount.LessThanOrEqual(*upper)
	}
	return false
}

func describe(logic domain.ConditionLogic, results []DimensionResult, matched bool) string {
	var hit, miss []string
	for _, r := range results {
		if r.Matched {
			hit = append(hit, r.Dimension)
		} else {
			miss = append(miss, r.Dimension)
		}
	}
	verdict := "not matched"
	if matched {
		verdict = "matched"
	}
	return fmt.Sprintf("%s (%s): matched [%s], unmatched [%s]",
		verdict, logic, strings.Join(hit, ", "), strings.Join(miss, ", "))
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// containsFold: адреса и тикеры сравниваем без учета регистра.
func containsFold(values []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), v) {
			return true
		}
	}
	return false
}
