// Package study is the generation coordinator: it turns a study request into
// a cached or freshly generated artifact while keeping the token ledger
// honest. Cache hits are free; every failure after a debit is refunded.
package study

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/fingerprint"
	"github.com/berea-app/berea/internal/metrics"
	"github.com/berea-app/berea/internal/persistence"
	"github.com/berea-app/berea/internal/plan"
	"github.com/berea-app/berea/internal/tokens"
)

// Generator produces study content for a cache miss.
type Generator interface {
	Generate(ctx context.Context, kind domain.InputKind, raw string, lang domain.Language) (*domain.StudyContent, error)
}

// PlanSource resolves the caller's effective plan.
type PlanSource interface {
	EffectivePlan(ctx context.Context, p domain.Principal) (domain.Plan, plan.Source, error)
}

// MissLimiter throttles cache-miss generation attempts.
type MissLimiter interface {
	AllowGeneration(ctx context.Context, p domain.Principal, plan domain.Plan) error
}

// TokenBook is the slice of the ledger the coordinator drives.
type TokenBook interface {
	GetOrCreate(ctx context.Context, ref string, plan domain.Plan) (*tokens.Account, error)
	Consume(ctx context.Context, ref string, plan domain.Plan, cost int) (*tokens.Balance, error)
	Refund(ctx context.Context, ref string, plan domain.Plan, amount int) (*tokens.Balance, error)
	RecordRefundOnce(ctx context.Context, attemptID, ref string, amount int) (bool, error)
}

// CostProvider resolves the token price of one generation.
type CostProvider interface {
	CostFor(lang domain.Language) int
}

// TokenReport is the token stanza attached to generate responses.
type TokenReport struct {
	Consumed           int `json:"consumed"`
	RemainingDaily     int `json:"remaining_daily"`
	RemainingPurchased int `json:"remaining_purchased"`
	DailyLimit         int `json:"daily_limit"`
}

// Result is the outcome of GetOrCreate.
type Result struct {
	Artifact  persistence.Artifact
	FromCache bool
	Tokens    TokenReport
}

// Service coordinates lookup, reserve, generate, persist, attach.
type Service struct {
	content persistence.ContentRepo
	owners  persistence.OwnershipRepo
	ledger  TokenBook
	plans   PlanSource
	limiter MissLimiter
	gen     Generator
	locker  Locker
	costs   CostProvider
	budget  time.Duration
	log     zerolog.Logger
}

// NewService wires a generation coordinator.
func NewService(
	content persistence.ContentRepo,
	owners persistence.OwnershipRepo,
	ledger TokenBook,
	plans PlanSource,
	limiter MissLimiter,
	gen Generator,
	locker Locker,
	costs CostProvider,
	budget time.Duration,
	log zerolog.Logger,
) *Service {
	return &Service{
		content: content,
		owners:  owners,
		ledger:  ledger,
		plans:   plans,
		limiter: limiter,
		gen:     gen,
		locker:  locker,
		costs:   costs,
		budget:  budget,
		log:     log.With().Str("component", "study").Logger(),
	}
}

// GetOrCreate returns the artifact for the input, generating it on a miss.
// Guarantees: cache hits never touch the ledger balance, at most one
// generation runs per fingerprint at a time, and any debit not followed by a
// persistent attach is refunded exactly once per attempt.
func (s *Service) GetOrCreate(ctx context.Context, p domain.Principal, kind domain.InputKind, raw string, lang domain.Language) (*Result, error) {
	fp := fingerprint.Compute(kind, raw, lang)
	logger := s.log.With().Str("fingerprint", fp).Str("principal", p.Ref()).Logger()

	if a, err := s.content.Find(ctx, fp, lang); err != nil {
		return nil, err
	} else if a != nil {
		metrics.GenerationRequests.WithLabelValues("hit").Inc()
		return s.hit(ctx, p, a)
	}

	effective, _, err := s.plans.EffectivePlan(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.AllowGeneration(ctx, p, effective); err != nil {
		return nil, err
	}

	cost := s.costs.CostFor(lang)
	bal, err := s.ledger.Consume(ctx, p.Ref(), effective, cost)
	if err != nil {
		return nil, err
	}
	metrics.TokenOps.WithLabelValues("consume").Inc()
	attemptID := uuid.NewString()

	lockCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()
	release, err := s.locker.Acquire(lockCtx, fp)
	if err != nil {
		s.refundAttempt(ctx, attemptID, p, effective, cost)
		return nil, fmt.Errorf("failed to acquire generation lease: %w", err)
	}
	defer release()

	// Someone else may have generated while we waited for the lease.
	if a, err := s.content.Find(ctx, fp, lang); err != nil {
		s.refundAttempt(ctx, attemptID, p, effective, cost)
		return nil, err
	} else if a != nil {
		metrics.GenerationRequests.WithLabelValues("coalesced").Inc()
		s.refundAttempt(ctx, attemptID, p, effective, cost)
		return s.hit(ctx, p, a)
	}

	content, err := s.gen.Generate(ctx, kind, raw, lang)
	if err != nil {
		logger.Warn().Err(err).Msg("generation failed, refunding")
		s.refundAttempt(ctx, attemptID, p, effective, cost)
		return nil, err
	}

	inserted, err := s.content.Insert(ctx, persistence.Artifact{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		InputKind:   kind,
		RawInput:    &raw,
		Language:    lang,
		Content:     *content,
	})
	if err != nil {
		// Lost a race despite the lease: take the winner's artifact.
		if existing, ferr := s.content.Find(ctx, fp, lang); ferr == nil && existing != nil {
			metrics.GenerationRequests.WithLabelValues("coalesced").Inc()
			s.refundAttempt(ctx, attemptID, p, effective, cost)
			return s.hit(ctx, p, existing)
		}
		s.refundAttempt(ctx, attemptID, p, effective, cost)
		return nil, err
	}

	if err := s.attach(ctx, p, inserted.ID); err != nil {
		s.refundAttempt(ctx, attemptID, p, effective, cost)
		return nil, err
	}

	metrics.GenerationRequests.WithLabelValues("miss").Inc()
	return &Result{
		Artifact:  *inserted,
		FromCache: false,
		Tokens: TokenReport{
			Consumed:           cost,
			RemainingDaily:     bal.RemainingDaily,
			RemainingPurchased: bal.RemainingPurchased,
			DailyLimit:         bal.DailyLimit,
		},
	}, nil
}

// hit attaches ownership for a cached artifact and reports the current
// balance with zero consumption.
func (s *Service) hit(ctx context.Context, p domain.Principal, a *persistence.Artifact) (*Result, error) {
	if err := s.attach(ctx, p, a.ID); err != nil {
		return nil, err
	}
	return &Result{Artifact: *a, FromCache: true, Tokens: s.snapshot(ctx, p)}, nil
}

// snapshot reads the caller's current balance for the response stanza. A
// failure here never fails the request; the guide matters more than the
// counter display.
func (s *Service) snapshot(ctx context.Context, p domain.Principal) TokenReport {
	effective, _, err := s.plans.EffectivePlan(ctx, p)
	if err != nil {
		s.log.Debug().Err(err).Msg("plan resolution failed for token snapshot")
		return TokenReport{}
	}
	acc, err := s.ledger.GetOrCreate(ctx, p.Ref(), effective)
	if err != nil {
		s.log.Debug().Err(err).Msg("ledger read failed for token snapshot")
		return TokenReport{}
	}
	return TokenReport{
		RemainingDaily:     acc.DailyAvailable,
		RemainingPurchased: acc.PurchasedAvailable,
		DailyLimit:         acc.DailyLimit,
	}
}

// refundAttempt compensates a consumed debit at most once per attempt. It
// runs detached from request cancellation so a client disconnect cannot
// strand the debit.
func (s *Service) refundAttempt(ctx context.Context, attemptID string, p domain.Principal, effective domain.Plan, cost int) {
	bg := context.WithoutCancel(ctx)
	first, err := s.ledger.RecordRefundOnce(bg, attemptID, p.Ref(), cost)
	if err != nil {
		s.log.Error().Err(err).Str("attempt_id", attemptID).Msg("failed to record refund attempt")
		return
	}
	if !first {
		return
	}
	if _, err := s.ledger.Refund(bg, p.Ref(), effective, cost); err != nil {
		s.log.Error().Err(err).Str("attempt_id", attemptID).Msg("failed to refund tokens")
		return
	}
	metrics.TokenOps.WithLabelValues("refund").Inc()
}

func (s *Service) attach(ctx context.Context, p domain.Principal, artifactID string) error {
	if p.Anonymous {
		_, err := s.owners.AttachSession(ctx, p.ID, artifactID)
		return err
	}
	_, err := s.owners.AttachUser(ctx, p.ID, artifactID, false)
	return err
}
