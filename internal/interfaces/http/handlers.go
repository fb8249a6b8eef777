package http

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/auth"
	"github.com/berea-app/berea/internal/billing"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/memory"
	"github.com/berea-app/berea/internal/persistence"
	"github.com/berea-app/berea/internal/plan"
	"github.com/berea-app/berea/internal/study"
	"github.com/berea-app/berea/internal/tokens"
)

const (
	maxInputLength = 2000
	maxListLimit   = 100
	webhookBodyMax = 1 << 20
)

// AuthService is the identity surface the HTTP layer consumes.
type AuthService interface {
	VerifyToken(ctx context.Context, token string) (domain.Principal, error)
	VerifySession(ctx context.Context, sessionID string) (domain.Principal, error)
	CreateAnonymous(ctx context.Context, deviceFp string) (*auth.AnonymousSession, error)
	MigrateAnonymous(ctx context.Context, sessionID, userID string) (*auth.MigrationResult, error)
	HandleCallback(ctx context.Context, code, oauthErr, oauthErrDesc string) (*auth.CallbackResult, error)
}

// StudyService produces study guides.
type StudyService interface {
	GetOrCreate(ctx context.Context, p domain.Principal, kind domain.InputKind, raw string, lang domain.Language) (*study.Result, error)
}

// BillingService applies gateway events, purchases, and checkouts.
type BillingService interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) error
	PurchaseTokens(ctx context.Context, userID string, plan domain.Plan, amount int, paymentMethodID string) (*billing.PurchaseResult, error)
	CreateCheckout(ctx context.Context, userID string, plan domain.Plan) (*billing.Checkout, error)
}

// MemoryService drives spaced-repetition practice.
type MemoryService interface {
	AddVerse(ctx context.Context, userID, reference, text string) (*persistence.MemoryVerse, error)
	ListVerses(ctx context.Context, userID string, dueOnly bool) ([]persistence.MemoryVerse, error)
	Submit(ctx context.Context, userID, verseID string, in memory.SubmitInput) (*memory.SubmitResult, error)
}

// PlanResolver resolves a principal's effective plan.
type PlanResolver interface {
	EffectivePlan(ctx context.Context, p domain.Principal) (domain.Plan, plan.Source, error)
}

// TokenReader is the ledger slice the status endpoint reads.
type TokenReader interface {
	GetOrCreate(ctx context.Context, ref string, plan domain.Plan) (*tokens.Account, error)
}

// Pinger reports storage liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds every endpoint's dependencies.
type Handlers struct {
	study   StudyService
	billing BillingService
	memory  MemoryService
	auth    AuthService
	plans   PlanResolver
	ledger  TokenReader
	owners  persistence.OwnershipRepo
	catalog persistence.CatalogRepo
	db      Pinger
	now     func() time.Time
	log     zerolog.Logger
}

// NewHandlers wires the endpoint set.
func NewHandlers(
	studySvc StudyService,
	billingSvc BillingService,
	memorySvc MemoryService,
	authSvc AuthService,
	plans PlanResolver,
	ledger TokenReader,
	owners persistence.OwnershipRepo,
	catalog persistence.CatalogRepo,
	db Pinger,
	log zerolog.Logger,
) *Handlers {
	return &Handlers{
		study:   studySvc,
		billing: billingSvc,
		memory:  memorySvc,
		auth:    authSvc,
		plans:   plans,
		ledger:  ledger,
		owners:  owners,
		catalog: catalog,
		db:      db,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.With().Str("component", "handlers").Logger(),
	}
}

type generateRequest struct {
	InputType  string `json:"input_type"`
	InputValue string `json:"input_value"`
	Language   string `json:"language"`
}

// StudyGenerate returns the study guide for the input, generating on a miss.
func (h *Handlers) StudyGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}

	kind, ok := domain.ParseInputKind(req.InputType)
	if !ok {
		respondErr(w, r, apperr.Validation("input_type must be scripture or topic"))
		return
	}
	lang := domain.LangEnglish
	if req.Language != "" {
		if lang, ok = domain.ParseLanguage(req.Language); !ok {
			respondErr(w, r, apperr.Validation("language must be one of en, hi, ml"))
			return
		}
	}
	raw := strings.TrimSpace(req.InputValue)
	if raw == "" {
		respondErr(w, r, apperr.Validation("input_value is required"))
		return
	}
	if len(raw) > maxInputLength {
		respondErr(w, r, apperr.Validation("input_value exceeds the maximum length"))
		return
	}

	res, err := h.study.GetOrCreate(r.Context(), principalFrom(r.Context()), kind, raw, lang)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"study_guide": res.Artifact,
		"from_cache":  res.FromCache,
		"tokens":      res.Tokens,
	})
}

// ListStudyGuides pages the caller's owned guides, newest first.
func (h *Handlers) ListStudyGuides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := persistence.ListOptions{
		SavedOnly: q.Get("saved") == "true",
		Limit:     queryInt(q.Get("limit"), 20),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	if opts.Limit < 1 || opts.Limit > maxListLimit {
		respondErr(w, r, apperr.Validation("limit must be in [1, 100]"))
		return
	}
	if opts.Offset < 0 {
		respondErr(w, r, apperr.Validation("offset must be non-negative"))
		return
	}

	guides, total, err := h.owners.List(r.Context(), principalFrom(r.Context()), opts)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"guides": guides,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

type saveRequest struct {
	GuideID string `json:"guide_id"`
	Action  string `json:"action"`
}

// SaveStudyGuide flips a guide's saved flag for the authenticated user.
func (h *Handlers) SaveStudyGuide(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	if req.GuideID == "" {
		respondErr(w, r, apperr.Validation("guide_id is required"))
		return
	}
	var saved bool
	switch req.Action {
	case "save":
		saved = true
	case "unsave":
		saved = false
	default:
		respondErr(w, r, apperr.Validation("action must be save or unsave"))
		return
	}

	own, err := h.owners.SetSaved(r.Context(), principalFrom(r.Context()), req.GuideID, saved)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"guide_id": req.GuideID, "is_saved": own.IsSaved})
}

type feedbackRequest struct {
	GuideID    *string  `json:"guide_id,omitempty"`
	WasHelpful bool     `json:"was_helpful"`
	Message    *string  `json:"message,omitempty"`
	Category   string   `json:"category,omitempty"`
	Sentiment  *float64 `json:"sentiment,omitempty"`
}

// SubmitFeedback records a reaction to a guide or the product.
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	if req.Category == "" {
		req.Category = "general"
	}
	if req.Sentiment != nil && (*req.Sentiment < -1 || *req.Sentiment > 1) {
		respondErr(w, r, apperr.Validation("sentiment must be in [-1, 1]"))
		return
	}

	fb, err := h.catalog.InsertFeedback(r.Context(), persistence.Feedback{
		ArtifactID: req.GuideID,
		UserRef:    principalFrom(r.Context()).Ref(),
		WasHelpful: req.WasHelpful,
		Message:    req.Message,
		Category:   req.Category,
		Sentiment:  req.Sentiment,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, fb)
}

// RecommendedTopics lists catalog topics, optionally filtered by category.
// category and categories are mutually exclusive.
func (h *Handlers) RecommendedTopics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := q.Get("category")
	categoriesRaw := q.Get("categories")
	if category != "" && categoriesRaw != "" {
		respondErr(w, r, apperr.Validation("category and categories are mutually exclusive"))
		return
	}

	var categories []string
	if category != "" {
		categories = []string{category}
	}
	for _, c := range strings.Split(categoriesRaw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, c)
		}
	}

	limit := queryInt(q.Get("limit"), 10)
	offset := queryInt(q.Get("offset"), 0)
	if limit < 1 || limit > maxListLimit {
		respondErr(w, r, apperr.Validation("limit must be in [1, 100]"))
		return
	}

	topics, total, err := h.catalog.ListTopics(r.Context(), categories, limit, offset)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"topics": topics, "total": total})
}

// TopicCategories lists the distinct catalog categories.
func (h *Handlers) TopicCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.catalog.TopicCategories(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"categories": categories})
}

// DailyVerse returns the verse of the day, defaulting to today in UTC.
func (h *Handlers) DailyVerse(w http.ResponseWriter, r *http.Request) {
	date := h.now().Truncate(24 * time.Hour)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondErr(w, r, apperr.Validation("date must be formatted YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	verse, err := h.catalog.GetDailyVerse(r.Context(), date)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if verse == nil {
		respondErr(w, r, apperr.NotFound("no daily verse for that date"))
		return
	}
	respondOK(w, http.StatusOK, verse)
}

type sessionRequest struct {
	Action             string `json:"action"`
	DeviceFingerprint  string `json:"device_fingerprint,omitempty"`
	AnonymousSessionID string `json:"anonymous_session_id,omitempty"`
}

// AuthSession creates anonymous sessions and migrates them to users.
func (h *Handlers) AuthSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}

	switch req.Action {
	case "create_anonymous":
		sess, err := h.auth.CreateAnonymous(r.Context(), req.DeviceFingerprint)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondOK(w, http.StatusCreated, map[string]any{
			"session_id": sess.Session.ID,
			"token":      sess.Token,
			"expires_at": sess.Session.ExpiresAt,
		})

	case "migrate_to_authenticated":
		token := bearerToken(r)
		if token == "" {
			respondErr(w, r, apperr.Unauthorized("a user bearer token is required"))
			return
		}
		p, err := h.auth.VerifyToken(r.Context(), token)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		if p.Anonymous {
			respondErr(w, r, apperr.Unauthorized("migration requires a user bearer token"))
			return
		}
		sessionID := req.AnonymousSessionID
		if sessionID == "" {
			sessionID = r.Header.Get("X-Anonymous-Session-ID")
		}
		if sessionID == "" {
			respondErr(w, r, apperr.Validation("anonymous_session_id is required"))
			return
		}
		res, err := h.auth.MigrateAnonymous(r.Context(), sessionID, p.ID)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		respondOK(w, http.StatusOK, res)

	default:
		respondErr(w, r, apperr.Validation("action must be create_anonymous or migrate_to_authenticated"))
	}
}

type callbackRequest struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthCallback completes the OAuth flow.
func (h *Handlers) AuthCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	res, err := h.auth.HandleCallback(r.Context(), req.Code, req.Error, req.ErrorDescription)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, res)
}

// TokenStatus reports the caller's effective plan and balances.
func (h *Handlers) TokenStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	effective, source, err := h.plans.EffectivePlan(r.Context(), p)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	acc, err := h.ledger.GetOrCreate(r.Context(), p.Ref(), effective)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	now := h.now()
	respondOK(w, http.StatusOK, map[string]any{
		"plan":                effective,
		"plan_source":         source,
		"unmetered":           effective.Unmetered(),
		"remaining_daily":     acc.DailyAvailable,
		"remaining_purchased": acc.PurchasedAvailable,
		"daily_limit":         acc.DailyLimit,
		"consumed_today":      acc.ConsumedToday,
		"resets_at":           now.Truncate(24 * time.Hour).Add(24 * time.Hour),
	})
}

type purchaseRequest struct {
	TokenAmount     int    `json:"token_amount"`
	PaymentMethodID string `json:"payment_method_id"`
}

// PurchaseTokens charges the user and credits purchased tokens.
func (h *Handlers) PurchaseTokens(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}

	p := principalFrom(r.Context())
	effective, _, err := h.plans.EffectivePlan(r.Context(), p)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	res, err := h.billing.PurchaseTokens(r.Context(), p.ID, effective, req.TokenAmount, req.PaymentMethodID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, res)
}

type checkoutRequest struct {
	Plan string `json:"plan"`
}

// CreateCheckout starts a subscription purchase at the gateway.
func (h *Handlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	planVal, ok := domain.ParsePlan(req.Plan)
	if !ok {
		respondErr(w, r, apperr.InvalidPlan("plan must be standard, plus, or premium"))
		return
	}

	res, err := h.billing.CreateCheckout(r.Context(), principalFrom(r.Context()).ID, planVal)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, res)
}

// PaymentsWebhook applies one signed gateway event.
func (h *Handlers) PaymentsWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyMax))
	if err != nil {
		respondErr(w, r, apperr.Validation("failed to read webhook body").WithCause(err))
		return
	}
	signature := r.Header.Get("X-Webhook-Signature")

	if err := h.billing.HandleWebhook(r.Context(), body, signature); err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"received": true})
}

type practiceRequest struct {
	VerseID          string   `json:"verse_id"`
	Quality          int      `json:"quality"`
	PracticeMode     string   `json:"practice_mode"`
	Confidence       *int     `json:"confidence,omitempty"`
	Accuracy         *float64 `json:"accuracy,omitempty"`
	TimeSpentSeconds *int     `json:"time_spent_seconds,omitempty"`
	HintsUsed        int      `json:"hints_used"`
}

// SubmitMemoryPractice applies one spaced-repetition review.
func (h *Handlers) SubmitMemoryPractice(w http.ResponseWriter, r *http.Request) {
	var req practiceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	if req.VerseID == "" {
		respondErr(w, r, apperr.Validation("verse_id is required"))
		return
	}

	res, err := h.memory.Submit(r.Context(), principalFrom(r.Context()).ID, req.VerseID, memory.SubmitInput{
		Quality:    req.Quality,
		Mode:       domain.PracticeMode(req.PracticeMode),
		Confidence: req.Confidence,
		Accuracy:   req.Accuracy,
		TimeSpent:  req.TimeSpentSeconds,
		HintsUsed:  req.HintsUsed,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, res)
}

type addVerseRequest struct {
	Reference string `json:"reference"`
	Text      string `json:"text"`
}

// AddMemoryVerse registers a verse for memorization.
func (h *Handlers) AddMemoryVerse(w http.ResponseWriter, r *http.Request) {
	var req addVerseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	verse, err := h.memory.AddVerse(r.Context(), principalFrom(r.Context()).ID, req.Reference, req.Text)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, verse)
}

// ListMemoryVerses lists the user's verses, optionally only those due now.
func (h *Handlers) ListMemoryVerses(w http.ResponseWriter, r *http.Request) {
	dueOnly := r.URL.Query().Get("due") == "true"
	verses, err := h.memory.ListVerses(r.Context(), principalFrom(r.Context()).ID, dueOnly)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"verses": verses, "total": len(verses)})
}

// Health reports process and storage liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("health check database ping failed")
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	respondOK(w, code, map[string]any{"status": status, "time": h.now()})
}

// NotFound is the router's fallback.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	respondErr(w, r, apperr.NotFound("unknown endpoint"))
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
