package domain

// SubStatus is the lifecycle state of a subscription.
type SubStatus string

const (
	SubPending             SubStatus = "pending"
	SubActive              SubStatus = "active"
	SubPendingCancellation SubStatus = "pending_cancellation"
	SubCancelled           SubStatus = "cancelled"
	SubExpired             SubStatus = "expired"
	SubPastDue             SubStatus = "past_due"
)

// Metered reports whether a subscription in this status still confers its
// plan for metering purposes.
func (s SubStatus) Metered() bool {
	return s == SubActive || s == SubPendingCancellation
}

// SubEvent is an internal subscription lifecycle event, mapped from gateway
// webhook codes by the reconciler.
type SubEvent string

const (
	EvSubCreated       SubEvent = "subscription.created"
	EvSubActivated     SubEvent = "subscription.activated"
	EvSubPendingCancel SubEvent = "subscription.pending_cancel"
	EvSubCancelled     SubEvent = "subscription.cancelled"
	EvSubExpired       SubEvent = "subscription.expired"
	EvSubPaymentFailed SubEvent = "subscription.payment_failed"
)

// ParseSubEvent maps a wire event code to a SubEvent.
func ParseSubEvent(s string) (SubEvent, bool) {
	switch SubEvent(s) {
	case EvSubCreated, EvSubActivated, EvSubPendingCancel,
		EvSubCancelled, EvSubExpired, EvSubPaymentFailed:
		return SubEvent(s), true
	}
	return "", false
}
