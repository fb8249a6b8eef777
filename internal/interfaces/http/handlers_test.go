package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berea-app/berea/internal/apperr"
	"github.com/berea-app/berea/internal/auth"
	"github.com/berea-app/berea/internal/billing"
	"github.com/berea-app/berea/internal/config"
	"github.com/berea-app/berea/internal/domain"
	"github.com/berea-app/berea/internal/memory"
	"github.com/berea-app/berea/internal/persistence"
	"github.com/berea-app/berea/internal/plan"
	"github.com/berea-app/berea/internal/study"
	"github.com/berea-app/berea/internal/tokens"
)

const (
	userToken = "user-token"
	anonToken = "anon-token"
)

type fakeAuth struct {
	created  int
	migrated []string
}

func (f *fakeAuth) VerifyToken(_ context.Context, token string) (domain.Principal, error) {
	switch token {
	case userToken:
		return domain.UserPrincipal("u1"), nil
	case anonToken:
		return domain.AnonymousPrincipal("sess-1"), nil
	}
	return domain.Principal{}, apperr.Unauthorized("invalid bearer token")
}

func (f *fakeAuth) VerifySession(_ context.Context, sessionID string) (domain.Principal, error) {
	if sessionID == "sess-1" {
		return domain.AnonymousPrincipal("sess-1"), nil
	}
	return domain.Principal{}, apperr.Unauthorized("unknown anonymous session")
}

func (f *fakeAuth) CreateAnonymous(_ context.Context, _ string) (*auth.AnonymousSession, error) {
	f.created++
	return &auth.AnonymousSession{
		Session: persistence.AnonymousSession{
			ID:        fmt.Sprintf("sess-new-%d", f.created),
			ExpiresAt: time.Now().Add(24 * time.Hour),
		},
		Token: "fresh-token",
	}, nil
}

func (f *fakeAuth) MigrateAnonymous(_ context.Context, sessionID, userID string) (*auth.MigrationResult, error) {
	f.migrated = append(f.migrated, sessionID+"->"+userID)
	return &auth.MigrationResult{Migrated: 2}, nil
}

func (f *fakeAuth) HandleCallback(_ context.Context, code, oauthErr, _ string) (*auth.CallbackResult, error) {
	if oauthErr != "" {
		return nil, apperr.Unauthorized("authorization failed")
	}
	if code == "" {
		return nil, apperr.Validation("code is required")
	}
	return &auth.CallbackResult{UserID: "u1", Token: userToken}, nil
}

type fakeStudy struct {
	lastPrincipal domain.Principal
	lastKind      domain.InputKind
	lastRaw       string
	err           error
}

func (f *fakeStudy) GetOrCreate(_ context.Context, p domain.Principal, kind domain.InputKind, raw string, lang domain.Language) (*study.Result, error) {
	f.lastPrincipal, f.lastKind, f.lastRaw = p, kind, raw
	if f.err != nil {
		return nil, f.err
	}
	return &study.Result{
		Artifact:  persistence.Artifact{ID: "a1", InputKind: kind, Language: lang},
		FromCache: false,
		Tokens:    study.TokenReport{Consumed: 10, RemainingDaily: 10, DailyLimit: 20},
	}, nil
}

type fakeBilling struct {
	webhookBody []byte
	webhookSig  string
	webhookErr  error
}

func (f *fakeBilling) HandleWebhook(_ context.Context, body []byte, signature string) error {
	f.webhookBody, f.webhookSig = body, signature
	return f.webhookErr
}

func (f *fakeBilling) PurchaseTokens(_ context.Context, _ string, _ domain.Plan, amount int, _ string) (*billing.PurchaseResult, error) {
	return &billing.PurchaseResult{TokensAdded: amount, PriceMinor: amount * 10}, nil
}

func (f *fakeBilling) CreateCheckout(_ context.Context, _ string, planVal domain.Plan) (*billing.Checkout, error) {
	return &billing.Checkout{ExternalRef: "ref-1", AuthorizationURL: "https://pay.example/checkout/ref-1"}, nil
}

type fakeMemorySvc struct {
	lastUser  string
	lastVerse string
	lastInput memory.SubmitInput
}

func (f *fakeMemorySvc) AddVerse(_ context.Context, userID, reference, text string) (*persistence.MemoryVerse, error) {
	if reference == "" || text == "" {
		return nil, apperr.Validation("reference and text are required")
	}
	return &persistence.MemoryVerse{ID: "v1", UserID: userID, Reference: reference, Text: text}, nil
}

func (f *fakeMemorySvc) ListVerses(_ context.Context, userID string, _ bool) ([]persistence.MemoryVerse, error) {
	return []persistence.MemoryVerse{{ID: "v1", UserID: userID}}, nil
}

func (f *fakeMemorySvc) Submit(_ context.Context, userID, verseID string, in memory.SubmitInput) (*memory.SubmitResult, error) {
	f.lastUser, f.lastVerse, f.lastInput = userID, verseID, in
	return &memory.SubmitResult{
		Verse:   persistence.MemoryVerse{ID: verseID, UserID: userID},
		Mastery: domain.MasteryBeginner,
	}, nil
}

type fakePlansSvc struct{}

func (fakePlansSvc) EffectivePlan(_ context.Context, p domain.Principal) (domain.Plan, plan.Source, error) {
	if p.Anonymous {
		return domain.PlanFree, plan.SourceDefault, nil
	}
	return domain.PlanStandard, plan.SourceSubscription, nil
}

type fakeTokenReader struct{}

func (fakeTokenReader) GetOrCreate(_ context.Context, ref string, planVal domain.Plan) (*tokens.Account, error) {
	return &tokens.Account{
		UserRef:        ref,
		Plan:           planVal,
		DailyAvailable: 15,
		DailyLimit:     20,
		ConsumedToday:  5,
	}, nil
}

type fakeOwnersHTTP struct {
	persistence.OwnershipRepo
	lastSaved *bool
}

func (f *fakeOwnersHTTP) List(_ context.Context, _ domain.Principal, opts persistence.ListOptions) ([]persistence.OwnedArtifact, int, error) {
	return []persistence.OwnedArtifact{{Artifact: persistence.Artifact{ID: "a1"}}}, 1, nil
}

func (f *fakeOwnersHTTP) SetSaved(_ context.Context, _ domain.Principal, artifactID string, saved bool) (*persistence.Ownership, error) {
	if artifactID == "missing" {
		return nil, apperr.NotFound("guide not owned")
	}
	f.lastSaved = &saved
	return &persistence.Ownership{ArtifactID: artifactID, IsSaved: saved}, nil
}

type fakeCatalogHTTP struct {
	persistence.CatalogRepo
	verse *persistence.DailyVerse
}

func (f *fakeCatalogHTTP) ListTopics(_ context.Context, categories []string, limit, offset int) ([]persistence.Topic, int, error) {
	return []persistence.Topic{{ID: "t1", Category: "faith"}}, 1, nil
}

func (f *fakeCatalogHTTP) TopicCategories(_ context.Context) ([]string, error) {
	return []string{"faith", "prayer"}, nil
}

func (f *fakeCatalogHTTP) GetDailyVerse(_ context.Context, _ time.Time) (*persistence.DailyVerse, error) {
	return f.verse, nil
}

func (f *fakeCatalogHTTP) InsertFeedback(_ context.Context, fb persistence.Feedback) (*persistence.Feedback, error) {
	out := fb
	out.ID = "fb1"
	return &out, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(_ context.Context) error { return f.err }

type testEnv struct {
	server  *Server
	auth    *fakeAuth
	study   *fakeStudy
	billing *fakeBilling
	memory  *fakeMemorySvc
	owners  *fakeOwnersHTTP
	catalog *fakeCatalogHTTP
	pinger  *fakePinger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		auth:    &fakeAuth{},
		study:   &fakeStudy{},
		billing: &fakeBilling{},
		memory:  &fakeMemorySvc{},
		owners:  &fakeOwnersHTTP{},
		catalog: &fakeCatalogHTTP{},
		pinger:  &fakePinger{},
	}
	h := NewHandlers(env.study, env.billing, env.memory, env.auth,
		fakePlansSvc{}, fakeTokenReader{}, env.owners, env.catalog, env.pinger, zerolog.Nop())
	env.server = NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0},
		[]string{"https://app.example.com"}, env.auth, h, zerolog.Nop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestStudyGenerate_AnonymousOnDemand(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/study-generate", map[string]any{
		"input_type": "scripture", "input_value": "John 3:16", "language": "en",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, env.auth.created)
	assert.NotEmpty(t, rec.Header().Get("X-Session-ID"))
	assert.True(t, env.study.lastPrincipal.Anonymous)

	out := decodeEnvelope(t, rec)
	assert.True(t, out.Success)
}

func TestStudyGenerate_UserBearer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/study-generate", map[string]any{
		"input_type": "topic", "input_value": "forgiveness",
	}, map[string]string{"Authorization": "Bearer " + userToken})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", env.study.lastPrincipal.ID)
	assert.False(t, env.study.lastPrincipal.Anonymous)
	assert.Equal(t, domain.InputTopic, env.study.lastKind)
	assert.Equal(t, 0, env.auth.created, "bearer identity skips session creation")
}

func TestStudyGenerate_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []map[string]any{
		{"input_type": "poem", "input_value": "x"},
		{"input_type": "topic", "input_value": ""},
		{"input_type": "topic", "input_value": "x", "language": "fr"},
	}
	for _, body := range cases {
		rec := env.do(t, http.MethodPost, "/study-generate", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		out := decodeEnvelope(t, rec)
		assert.False(t, out.Success)
		assert.Equal(t, apperr.CodeValidation, out.Error.Code)
	}
}

func TestStudyGenerate_ServiceErrorMapped(t *testing.T) {
	env := newTestEnv(t)
	env.study.err = apperr.InsufficientTokens(3, 10, "2026-08-25T00:00:00Z")

	rec := env.do(t, http.MethodPost, "/study-generate", map[string]any{
		"input_type": "topic", "input_value": "hope",
	}, map[string]string{"Authorization": "Bearer " + userToken})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	out := decodeEnvelope(t, rec)
	assert.Equal(t, apperr.CodeInsufficientTokens, out.Error.Code)
}

func TestListStudyGuides_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/study-guides", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/study-guides?saved=true&limit=10", nil,
		map[string]string{"X-Anonymous-Session-ID": "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSaveStudyGuide_UserOnly(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{"guide_id": "a1", "action": "save"}
	rec := env.do(t, http.MethodPost, "/study-guides", body,
		map[string]string{"Authorization": "Bearer " + anonToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/study-guides", body,
		map[string]string{"Authorization": "Bearer " + userToken})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.owners.lastSaved)
	assert.True(t, *env.owners.lastSaved)
}

func TestSaveStudyGuide_NotOwned(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/study-guides",
		map[string]any{"guide_id": "missing", "action": "unsave"},
		map[string]string{"Authorization": "Bearer " + userToken})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecommendedTopics_MutuallyExclusiveFilters(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"X-Anonymous-Session-ID": "sess-1"}

	rec := env.do(t, http.MethodGet, "/topics-recommended?category=faith&categories=faith,prayer", nil, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/topics-recommended?categories=faith,prayer", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDailyVerse(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"Authorization": "Bearer " + userToken}

	rec := env.do(t, http.MethodGet, "/daily-verse?date=24-08-2026", nil, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/daily-verse", nil, headers)
	require.Equal(t, http.StatusNotFound, rec.Code)

	env.catalog.verse = &persistence.DailyVerse{Reference: "Psalm 23:1"}
	rec = env.do(t, http.MethodGet, "/daily-verse?date=2026-08-24", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthSession_CreateAnonymous(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth-session",
		map[string]any{"action": "create_anonymous", "device_fingerprint": "dev-1"}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	out := decodeEnvelope(t, rec)
	var data map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.NotEmpty(t, data["session_id"])
	assert.NotEmpty(t, data["token"])
}

func TestAuthSession_Migrate(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"action": "migrate_to_authenticated", "anonymous_session_id": "sess-1"}

	rec := env.do(t, http.MethodPost, "/auth-session", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "migration needs a bearer token")

	rec = env.do(t, http.MethodPost, "/auth-session", body,
		map[string]string{"Authorization": "Bearer " + anonToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code, "anonymous tokens cannot migrate")

	rec = env.do(t, http.MethodPost, "/auth-session", body,
		map[string]string{"Authorization": "Bearer " + userToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sess-1->u1"}, env.auth.migrated)
}

func TestAuthCallback(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/auth-callback", map[string]any{"code": "c1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/auth-callback",
		map[string]any{"error": "access_denied", "error_description": "denied"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/token-status", nil,
		map[string]string{"Authorization": "Bearer " + userToken})
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeEnvelope(t, rec)
	var data map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.Equal(t, "standard", data["plan"])
	assert.Equal(t, "subscription", data["plan_source"])
	assert.Equal(t, float64(15), data["remaining_daily"])
	assert.Equal(t, float64(5), data["consumed_today"])
}

func TestPurchaseTokens(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/purchase-tokens",
		map[string]any{"token_amount": 100, "payment_method_id": "pm-1"},
		map[string]string{"Authorization": "Bearer " + userToken})
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeEnvelope(t, rec)
	var data map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.Equal(t, float64(100), data["tokens_added"])
}

func TestCreateCheckout(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"Authorization": "Bearer " + userToken}

	rec := env.do(t, http.MethodPost, "/subscriptions-checkout",
		map[string]any{"plan": "gold"}, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/subscriptions-checkout",
		map[string]any{"plan": "plus"}, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestPaymentsWebhook(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"event":"subscription.activated"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "sig-1")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, env.billing.webhookBody)
	assert.Equal(t, "sig-1", env.billing.webhookSig)
}

func TestPaymentsWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.billing.webhookErr = apperr.Unauthorized("invalid webhook signature")

	rec := env.do(t, http.MethodPost, "/webhooks/payments", map[string]any{"event": "x"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitMemoryPractice(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/submit-memory-practice", map[string]any{
		"verse_id": "v1", "quality": 5, "practice_mode": "flip_card", "hints_used": 0,
	}, map[string]string{"Authorization": "Bearer " + userToken})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "u1", env.memory.lastUser)
	assert.Equal(t, "v1", env.memory.lastVerse)
	assert.Equal(t, 5, env.memory.lastInput.Quality)
}

func TestMemoryVerses(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"Authorization": "Bearer " + userToken}

	rec := env.do(t, http.MethodPost, "/memory-verses",
		map[string]any{"reference": "John 3:16", "text": "For God so loved the world"}, headers)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/memory-verses?due=true", nil, headers)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/study-generate", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-anonymous-session-id")

	req = httptest.NewRequest(http.MethodOptions, "/study-generate", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.pinger.err = errors.New("connection refused")
	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	out := decodeEnvelope(t, rec)
	assert.False(t, out.Success)
	assert.Equal(t, apperr.CodeNotFound, out.Error.Code)
}
