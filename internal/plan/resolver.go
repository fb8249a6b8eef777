// Package plan determines a principal's effective metering plan. Every other
// component consults the resolver; nothing else decides plans.
package plan

import (
	"context"
	"fmt"

	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/persistence"
	"github.com/berea-app/berea/internal/tokens"
)

// Source records which input won the precedence rule.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceLedger       Source = "ledger"
	SourceDefault      Source = "default"
)

// AccountsReader is the slice of the token ledger the resolver needs.
type AccountsReader interface {
	AccountsFor(ctx context.Context, ref string) ([]tokens.Account, error)
}

// Resolver computes effective plans from subscription and ledger state.
type Resolver struct {
	subs     persistence.SubscriptionRepo
	accounts AccountsReader
}

// NewResolver creates a plan resolver.
func NewResolver(subs persistence.SubscriptionRepo, accounts AccountsReader) *Resolver {
	return &Resolver{subs: subs, accounts: accounts}
}

// EffectivePlan returns the highest-priority plan among the principal's
// metered subscription, any ledger row, and Free. Anonymous principals are
// always Free. Legacy data may hold several ledger rows per user; the
// max-priority row wins.
func (r *Resolver) EffectivePlan(ctx context.Context, p domain.Principal) (domain.Plan, Source, error) {
	if p.Anonymous {
		return domain.PlanFree, SourceDefault, nil
	}

	var subPlan domain.Plan
	sub, err := r.subs.LatestMeteredByUser(ctx, p.ID)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve subscription plan: %w", err)
	}
	if sub != nil {
		subPlan = sub.Plan
	}

	var ledgerPlan domain.Plan
	accs, err := r.accounts.AccountsFor(ctx, p.Ref())
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve ledger plan: %w", err)
	}
	for _, a := range accs {
		ledgerPlan = domain.MaxPlan(ledgerPlan, a.Plan)
	}

	best, source := domain.PlanFree, SourceDefault
	if ledgerPlan.Priority() > best.Priority() {
		best, source = ledgerPlan, SourceLedger
	}
	if subPlan.Priority() > best.Priority() {
		best, source = subPlan, SourceSubscription
	}
	return best, source, nil
}
