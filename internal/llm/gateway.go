package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/metrics"
)

const parseAttemptsPerProvider = 3

// Gateway drives generation across an ordered provider chain. Each provider
// sits behind its own circuit breaker; outbound calls share a pacing limiter.
type Gateway struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	attemptTO time.Duration
	base      Params
	log       zerolog.Logger
}

// NewGateway builds a gateway over providers in failover order.
func NewGateway(providers []Provider, attemptTO time.Duration, base Params, log zerolog.Logger) *Gateway {
	g := &Gateway{
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(providers)),
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		attemptTO: attemptTO,
		base:      base,
		log:       log.With().Str("component", "llm_gateway").Logger(),
	}
	for _, p := range providers {
		name := p.Name()
		g.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.log.Warn().
					Str("provider", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state changed")
			},
		})
	}
	return g
}

// paramsForAttempt derives the knobs for retry attempt i. The adjustment is a
// function of the base values and i only, so repeated retries never compound.
func (g *Gateway) paramsForAttempt(i int) Params {
	p := g.base
	p.Temperature = g.base.Temperature - float64(i)*0.2
	if p.Temperature < 0 {
		p.Temperature = 0
	}
	p.TopP = g.base.TopP - float64(i)*0.05
	if p.TopP < 0 {
		p.TopP = 0
	}
	return p
}

// Generate produces a validated study guide for the input, trying each
// provider in order with up to three parse attempts apiece.
func (g *Gateway) Generate(ctx context.Context, kind domain.InputKind, raw string, lang domain.Language) (*domain.StudyContent, error) {
	out, err := g.complete(ctx, BuildPrompt(kind, raw, lang), parseStudyContent)
	if err != nil {
		return nil, err
	}
	return out.(*domain.StudyContent), nil
}

// VerseOfDay is the gateway's daily-verse payload.
type VerseOfDay struct {
	Reference    string            `json:"reference"`
	Translations map[string]string `json:"translations"`
}

// FetchDailyVerse asks the provider chain for the verse of the day with
// translations for every supported language.
func (g *Gateway) FetchDailyVerse(ctx context.Context, date time.Time) (*VerseOfDay, error) {
	out, err := g.complete(ctx, BuildDailyVersePrompt(date), parseVerseOfDay)
	if err != nil {
		return nil, err
	}
	return out.(*VerseOfDay), nil
}

// complete runs the retry-and-failover protocol for one prompt, decoding
// completions with parse.
func (g *Gateway) complete(ctx context.Context, prompt string, parse func(string) (any, error)) (any, error) {
	var sawMalformed bool
	for _, provider := range g.providers {
		content, err := g.tryProvider(ctx, provider, prompt, parse)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil {
			return nil, apperr.LLMUnavailable("generation timed out").WithCause(ctx.Err())
		}
		if IsRefusal(err) {
			return nil, apperr.LLMRefused("the model declined to generate content for this input").WithCause(err)
		}
		if !IsTransient(err) {
			sawMalformed = true
		}
		g.log.Warn().Err(err).Str("provider", provider.Name()).Msg("provider exhausted, failing over")
	}

	if sawMalformed {
		return nil, apperr.LLMMalformed("the model did not return a valid response")
	}
	return nil, apperr.LLMUnavailable("all generation providers are unavailable")
}

// tryProvider runs the bounded parse protocol against one provider: up to
// three attempts with temperature stepped down each retry. Transient failures
// abort the loop so the caller can fail over immediately.
func (g *Gateway) tryProvider(ctx context.Context, provider Provider, prompt string, parse func(string) (any, error)) (any, error) {
	name := provider.Name()
	breaker := g.breakers[name]

	var lastErr error
	for i := 0; i < parseAttemptsPerProvider; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, transientf(err)
		}

		start := time.Now()
		result, err := breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTO)
			defer cancel()
			return provider.Complete(attemptCtx, prompt, g.paramsForAttempt(i))
		})
		metrics.LLMLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.LLMAttempts.WithLabelValues(name, classify(err)).Inc()
			if IsRefusal(err) {
				return nil, err
			}
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, transientf(err)
			}
			if IsTransient(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		content, perr := parse(result.(string))
		if perr != nil {
			metrics.LLMAttempts.WithLabelValues(name, "malformed").Inc()
			g.log.Debug().Err(perr).Str("provider", name).Int("attempt", i+1).Msg("unparseable completion, retrying with lower temperature")
			lastErr = perr
			continue
		}

		metrics.LLMAttempts.WithLabelValues(name, "ok").Inc()
		return content, nil
	}
	return nil, lastErr
}

// stripFences removes markdown code fences models sometimes wrap JSON in
// despite instructions.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}

func parseStudyContent(raw string) (any, error) {
	var content domain.StudyContent
	if err := json.Unmarshal([]byte(stripFences(raw)), &content); err != nil {
		return nil, err
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}
	return &content, nil
}

func parseVerseOfDay(raw string) (any, error) {
	var verse VerseOfDay
	if err := json.Unmarshal([]byte(stripFences(raw)), &verse); err != nil {
		return nil, err
	}
	if verse.Reference == "" {
		return nil, fmt.Errorf("daily verse missing reference")
	}
	for _, lang := range []domain.Language{domain.LangEnglish, domain.LangHindi, domain.LangMalayalam} {
		if verse.Translations[string(lang)] == "" {
			return nil, fmt.Errorf("daily verse missing %s translation", lang)
		}
	}
	return &verse, nil
}

func classify(err error) string {
	switch {
	case IsRefusal(err):
		return "refused"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
