package domain

// Plan is a metering tier. Stored lowercase in the database and on the wire.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPlus     Plan = "plus"
	PlanPremium  Plan = "premium"
)

// PremiumDailySentinel is the effective "unlimited" daily limit for premium.
const PremiumDailySentinel = 1_000_000_000

// ParsePlan maps a wire/gateway plan code to a Plan.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanFree, PlanStandard, PlanPlus, PlanPremium:
		return Plan(s), true
	}
	return "", false
}

// Priority orders plans for effective-plan resolution. Higher wins.
func (p Plan) Priority() int {
	switch p {
	case PlanPremium:
		return 4
	case PlanPlus:
		return 3
	case PlanStandard:
		return 2
	case PlanFree:
		return 1
	}
	return 0
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p.Priority() > 0
}

// DefaultDailyLimit returns the built-in daily token allocation for p.
// Config may override these per deployment.
func (p Plan) DefaultDailyLimit() int {
	switch p {
	case PlanFree:
		return 8
	case PlanStandard:
		return 20
	case PlanPlus:
		return 50
	case PlanPremium:
		return PremiumDailySentinel
	}
	return 0
}

// Unmetered reports whether consumption bypasses ledger counters.
func (p Plan) Unmetered() bool {
	return p == PlanPremium
}

// MaxPlan returns the higher-priority of two plans.
func MaxPlan(a, b Plan) Plan {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}
