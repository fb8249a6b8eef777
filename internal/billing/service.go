// Package billing reconciles payment-gateway state into the token economy:
// webhook-driven subscription transitions, one-off token purchases, and
// checkout initiation.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/metrics"
	"github.com/berea-app/berea/internal/persistence"
	"github.com/berea-app/berea/internal/tokens"
)

const tokensPerCurrencyUnit = 10

// TokenSyncer is the slice of the ledger billing drives.
type TokenSyncer interface {
	GetOrCreate(ctx context.Context, ref string, plan domain.Plan) (*tokens.Account, error)
	SyncPlanLimits(ctx context.Context, ref string, plan domain.Plan) error
	AddPurchased(ctx context.Context, ref string, plan domain.Plan, amount int) (*tokens.Balance, error)
}

// Charger settles a one-off payment with the gateway.
type Charger interface {
	// Charge bills amountMinor (currency minor units) against the stored
	// payment method. Declines return an error.
	Charge(ctx context.Context, userID, paymentMethodID string, amountMinor int) (chargeID string, err error)
}

// WebhookPayload is the gateway's event body.
type WebhookPayload struct {
	Event            string     `json:"event"`
	SubscriptionRef  string     `json:"subscription_ref"`
	UserID           string     `json:"user_id"`
	Plan             string     `json:"plan"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// Service applies gateway events and purchases.
type Service struct {
	subs          persistence.SubscriptionRepo
	ledger        TokenSyncer
	charger       Charger
	webhookSecret string
	checkoutBase  string
	log           zerolog.Logger
}

// NewService wires the billing service.
func NewService(subs persistence.SubscriptionRepo, ledger TokenSyncer, charger Charger,
	webhookSecret, checkoutBase string, log zerolog.Logger) *Service {
	return &Service{
		subs:          subs,
		ledger:        ledger,
		charger:       charger,
		webhookSecret: webhookSecret,
		checkoutBase:  checkoutBase,
		log:           log.With().Str("component", "billing").Logger(),
	}
}

// VerifySignature checks the gateway's HMAC-SHA256 hex signature over the
// raw body in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleWebhook verifies, parses, and applies one gateway event. Replays of
// an already-applied event change nothing beyond the audit row.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !VerifySignature(s.webhookSecret, body, signature) {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return apperr.Unauthorized("invalid webhook signature")
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return apperr.Validation("malformed webhook body").WithCause(err)
	}
	event, ok := domain.ParseSubEvent(payload.Event)
	if !ok {
		return apperr.Validation(fmt.Sprintf("unknown event %q", payload.Event))
	}
	plan, ok := domain.ParsePlan(payload.Plan)
	if !ok {
		metrics.WebhookEvents.WithLabelValues(string(event), "rejected").Inc()
		return apperr.Validation(fmt.Sprintf("unknown plan %q", payload.Plan))
	}
	if payload.SubscriptionRef == "" {
		return apperr.Validation("subscription_ref is required")
	}

	digest := sha256.Sum256(body)
	audit := persistence.WebhookEvent{
		ID:          uuid.NewString(),
		ExternalRef: payload.SubscriptionRef,
		Event:       string(event),
		PayloadHash: hex.EncodeToString(digest[:]),
	}

	result, err := s.subs.Apply(ctx, payload.SubscriptionRef, audit, func(cur *persistence.Subscription) (*persistence.Subscription, error) {
		from := statusNone
		if cur != nil {
			from = cur.Status
		}
		next, ok := Transition(from, event)
		if !ok {
			return nil, apperr.Validation(
				fmt.Sprintf("event %s is not valid for subscription in status %q", event, from))
		}

		if cur == nil {
			return &persistence.Subscription{
				ID:               uuid.NewString(),
				UserID:           payload.UserID,
				ExternalRef:      payload.SubscriptionRef,
				Plan:             plan,
				Status:           next,
				CurrentPeriodEnd: payload.CurrentPeriodEnd,
			}, nil
		}

		updated := *cur
		updated.Status = next
		if event == domain.EvSubCreated || event == domain.EvSubActivated {
			updated.Plan = plan
		}
		if payload.CurrentPeriodEnd != nil {
			updated.CurrentPeriodEnd = payload.CurrentPeriodEnd
		}
		if updated.Status == cur.Status && updated.Plan == cur.Plan &&
			equalPeriodEnd(updated.CurrentPeriodEnd, cur.CurrentPeriodEnd) {
			// Replay: audited, otherwise untouched.
			return nil, nil
		}
		return &updated, nil
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(event), "rejected").Inc()
		return err
	}
	if result == nil {
		metrics.WebhookEvents.WithLabelValues(string(event), "ignored").Inc()
		return nil
	}

	// Metered transitions propagate limits into the ledger immediately;
	// terminal states leave ledger rows for the resolver's fallback.
	if result.Status.Metered() {
		if _, err := s.ledger.GetOrCreate(ctx, result.UserID, result.Plan); err != nil {
			return fmt.Errorf("failed to ensure ledger account: %w", err)
		}
		if err := s.ledger.SyncPlanLimits(ctx, result.UserID, result.Plan); err != nil {
			return fmt.Errorf("failed to sync plan limits: %w", err)
		}
	}

	metrics.WebhookEvents.WithLabelValues(string(event), "applied").Inc()
	s.log.Info().
		Str("external_ref", result.ExternalRef).
		Str("event", string(event)).
		Str("status", string(result.Status)).
		Str("plan", string(result.Plan)).
		Msg("subscription transition applied")
	return nil
}

// PurchaseResult reports a completed token purchase.
type PurchaseResult struct {
	TokensAdded int            `json:"tokens_added"`
	PriceMinor  int            `json:"price_minor"`
	ChargeID    string         `json:"charge_id"`
	Balance     tokens.Balance `json:"balance"`
}

// PurchaseTokens charges the user and credits their purchased balance. The
// price is 10 tokens per currency unit, computed in minor units rounded up.
func (s *Service) PurchaseTokens(ctx context.Context, userID string, plan domain.Plan, amount int, paymentMethodID string) (*PurchaseResult, error) {
	if amount <= 0 || amount > 10000 {
		return nil, apperr.InvalidAmount("token_amount must be in [1, 10000]")
	}
	if paymentMethodID == "" {
		return nil, apperr.Validation("payment_method_id is required")
	}

	priceMinor := (amount*100 + tokensPerCurrencyUnit - 1) / tokensPerCurrencyUnit

	chargeID, err := s.charger.Charge(ctx, userID, paymentMethodID, priceMinor)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Int("price_minor", priceMinor).Msg("charge declined")
		return nil, apperr.PaymentFailed("payment was declined").WithCause(err)
	}

	bal, err := s.ledger.AddPurchased(ctx, userID, plan, amount)
	if err != nil {
		return nil, err
	}
	metrics.TokenOps.WithLabelValues("purchase").Inc()

	s.log.Info().Str("user_id", userID).Int("tokens", amount).Str("charge_id", chargeID).
		Msg("token purchase credited")
	return &PurchaseResult{TokensAdded: amount, PriceMinor: priceMinor, ChargeID: chargeID, Balance: *bal}, nil
}

// Checkout is the response to a checkout initiation.
type Checkout struct {
	ExternalRef      string `json:"external_ref"`
	AuthorizationURL string `json:"authorization_url"`
}

// CreateCheckout records a Pending subscription and hands back the gateway
// authorization URL the client completes payment at.
func (s *Service) CreateCheckout(ctx context.Context, userID string, plan domain.Plan) (*Checkout, error) {
	if !plan.Valid() || plan == domain.PlanFree {
		return nil, apperr.InvalidPlan(fmt.Sprintf("plan %q is not purchasable", plan))
	}

	ref := uuid.NewString()
	if _, err := s.subs.Create(ctx, persistence.Subscription{
		ID:          uuid.NewString(),
		UserID:      userID,
		ExternalRef: ref,
		Plan:        plan,
		Status:      domain.SubPending,
	}); err != nil {
		return nil, err
	}

	return &Checkout{
		ExternalRef:      ref,
		AuthorizationURL: fmt.Sprintf("%s/checkout/%s", s.checkoutBase, ref),
	}, nil
}

func equalPeriodEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
