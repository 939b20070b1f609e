package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/console/service"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/identity"
	"github.com/xela07ax/treasury-guard/internal/policy"
	"github.com/xela07ax/treasury-guard/internal/risk"
)

// ErrLintFailed: в strict-режиме найдены критичные замечания.
var ErrLintFailed = errors.New("lint: critical findings")

// CodeInvalidPolicy: политика не проходит схему и не была бы принята консолью.
const CodeInvalidPolicy = "invalid_policy"

// NewRootCommand собирает policyctl. Вывод идет в out, чтобы команды можно было тестировать.
func NewRootCommand(out io.Writer) *cobra.Command {
	var bundlePath string
	var verbose bool

	root := &cobra.Command{
		Use:   "policyctl",
		Short: "Offline tooling for transfer policy bundles",
		Long: `policyctl loads a YAML bundle of transfer policies and runs the same
evaluator, governance lint and reorder logic as the console and gateway.

Examples:
  policyctl evaluate --bundle policies.yaml --initiator 0xA11CE --destination 0xdead --amount 25000
  policyctl lint --bundle policies.yaml --strict
  policyctl reorder --bundle policies.yaml --order freeze,big-external --write`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&bundlePath, "bundle", "b", "policies.yaml", "policy bundle file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	logger := func() *zap.Logger {
		if verbose {
			l, err := zap.NewDevelopment()
			if err == nil {
				return l
			}
		}
		return zap.NewNop()
	}

	root.AddCommand(
		newEvaluateCommand(out, &bundlePath, logger),
		newLintCommand(out, &bundlePath, logger),
		newReorderCommand(out, &bundlePath, logger),
	)
	return root
}

type evaluateOutput struct {
	Decision domain.Decision     `json:"decision"`
	Explain  []policyExplanation `json:"explain,omitempty"`
}

type policyExplanation struct {
	PolicyID string             `json:"policy_id"`
	Priority int                `json:"priority"`
	Enforced bool               `json:"enforced"`
	Match    policy.MatchResult `json:"match"`
}

func newEvaluateCommand(out io.Writer, bundlePath *string, logger func() *zap.Logger) *cobra.Command {
	var (
		requestPath string
		req         domain.TransactionRequest
		amount      string
		explain     bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Decide a transfer against the bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			b, err := LoadBundle(*bundlePath)
			if err != nil {
				return err
			}
			if requestPath != "" {
				loaded, err := loadRequest(requestPath)
				if err != nil {
					return err
				}
				req = *loaded
			} else if amount != "" {
				if req.AmountUSD, err = decimal.NewFromString(amount); err != nil {
					return fmt.Errorf("--amount: %w", err)
				}
			}
			if err := req.Validate(); err != nil {
				return err
			}

			store, err := b.Store(ctx)
			if err != nil {
				return err
			}
			res := evaluateOutput{Decision: policy.NewStoreEnforcer(store, logger()).Decide(ctx, &req)}

			if explain {
				policies, _ := store.ListPolicies(ctx)
				for _, p := range policies {
					res.Explain = append(res.Explain, policyExplanation{
						PolicyID: p.ID,
						Priority: p.Priority,
						Enforced: p.Enforceable(),
						Match:    policy.Match(p, &req),
					})
				}
			}
			return printJSON(out, res)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&requestPath, "request", "r", "", "YAML file with the transfer request")
	f.StringVar(&req.Initiator, "initiator", "", "initiator address or name")
	f.StringSliceVar(&req.InitiatorGroups, "group", nil, "initiator group (repeatable)")
	f.StringVar(&req.SourceWallet, "source", "", "source wallet")
	f.StringVar(&req.Destination, "destination", "", "destination address")
	f.BoolVar(&req.DestinationIsInternal, "internal", false, "destination is an internal wallet")
	f.StringVar(&amount, "amount", "0", "amount in USD")
	f.StringVar(&req.Asset, "asset", "", "asset symbol")
	f.BoolVar(&explain, "explain", false, "show per-policy match details")
	return cmd
}

func newLintCommand(out io.Writer, bundlePath *string, logger func() *zap.Logger) *cobra.Command {
	var (
		strict     bool
		staleAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Report governance risks in the bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := ReadBundle(*bundlePath)
			if err != nil {
				return err
			}
			findings := make([]risk.Finding, 0)
			for _, p := range b.Policies {
				if err := p.Validate(); err != nil {
					findings = append(findings, risk.Finding{
						PolicyID:   p.ID,
						PolicyName: p.Name,
						Code:       CodeInvalidPolicy,
						Severity:   risk.SeverityCritical,
						Message:    err.Error(),
					})
				}
			}
			findings = append(findings, risk.NewAnalyzer(staleAfter, logger()).Lint(b.Policies)...)
			if err := printJSON(out, findings); err != nil {
				return err
			}
			if strict {
				for _, f := range findings {
					if f.Severity == risk.SeverityCritical {
						return ErrLintFailed
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero on critical findings")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 72*time.Hour, "age after which a pending change is reported")
	return cmd
}

func newReorderCommand(out io.Writer, bundlePath *string, logger func() *zap.Logger) *cobra.Command {
	var (
		order []string
		write bool
	)

	cmd := &cobra.Command{
		Use:   "reorder",
		Short: "Reassign priorities in the given order",
		Long: `Listed policies get priorities 0..n-1 in the given order; the rest keep their
relative order after them. Unknown or duplicate ids are rejected.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if len(order) == 0 {
				return fmt.Errorf("--order must list at least one policy id")
			}

			b, err := LoadBundle(*bundlePath)
			if err != nil {
				return err
			}
			store, err := b.Store(ctx)
			if err != nil {
				return err
			}

			log := logger()
			svc := service.NewPolicyService(store, identity.NewResolver(b.Directory(), log),
				risk.NewAnalyzer(0, log), nil, log, service.Options{CASAttempts: 1})
			reordered, err := svc.Reorder(ctx, order, "policyctl")
			if err != nil {
				return err
			}

			b.Policies = reordered
			if write {
				return b.Write(*bundlePath)
			}
			ids := make([]string, 0, len(reordered))
			for _, p := range reordered {
				ids = append(ids, fmt.Sprintf("%d:%s", p.Priority, p.ID))
			}
			_, err = fmt.Fprintln(out, strings.Join(ids, " "))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&order, "order", nil, "policy ids, highest priority first")
	cmd.Flags().BoolVar(&write, "write", false, "write the reordered bundle back to --bundle")
	return cmd
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
