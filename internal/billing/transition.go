package billing

import "github.com/berea-app/berea/internal/domain"

// statusNone is the from-state of a subscription that does not exist yet.
const statusNone = domain.SubStatus("")

// transitions maps (from, event) to the next status. Absent entries are
// rejected. Self-loops encode idempotent replays.
var transitions = map[domain.SubStatus]map[domain.SubEvent]domain.SubStatus{
	statusNone: {
		domain.EvSubCreated: domain.SubPending,
	},
	domain.SubPending: {
		domain.EvSubCreated:       domain.SubPending,
		domain.EvSubActivated:     domain.SubActive,
		domain.EvSubCancelled:     domain.SubCancelled,
		domain.EvSubPaymentFailed: domain.SubPastDue,
	},
	domain.SubActive: {
		domain.EvSubCreated:       domain.SubActive,
		domain.EvSubActivated:     domain.SubActive,
		domain.EvSubPendingCancel: domain.SubPendingCancellation,
		domain.EvSubCancelled:     domain.SubCancelled,
		domain.EvSubExpired:       domain.SubExpired,
		domain.EvSubPaymentFailed: domain.SubPastDue,
	},
	domain.SubPendingCancellation: {
		domain.EvSubCreated:       domain.SubPendingCancellation,
		domain.EvSubActivated:     domain.SubActive,
		domain.EvSubPendingCancel: domain.SubPendingCancellation,
		domain.EvSubCancelled:     domain.SubCancelled,
		domain.EvSubExpired:       domain.SubExpired,
		domain.EvSubPaymentFailed: domain.SubPastDue,
	},
	domain.SubPastDue: {
		domain.EvSubCreated:       domain.SubPastDue,
		domain.EvSubActivated:     domain.SubActive,
		domain.EvSubCancelled:     domain.SubCancelled,
		domain.EvSubExpired:       domain.SubExpired,
		domain.EvSubPaymentFailed: domain.SubPastDue,
	},
	domain.SubCancelled: {
		domain.EvSubCancelled: domain.SubCancelled,
		domain.EvSubExpired:   domain.SubCancelled,
	},
	domain.SubExpired: {
		domain.EvSubCancelled: domain.SubExpired,
		domain.EvSubExpired:   domain.SubExpired,
	},
}

// Transition resolves the next status for an event, reporting false for
// rejected transitions.
func Transition(from domain.SubStatus, ev domain.SubEvent) (domain.SubStatus, bool) {
	next, ok := transitions[from][ev]
	return next, ok
}
