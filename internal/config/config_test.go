package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berea-app/berea/internal/domain"
)

func baseEnv(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/berea_test?sslmode=disable")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("COSTS_JSON", "")
	t.Setenv("PLAN_LIMITS_JSON", "")
	t.Setenv("USE_MOCK", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("ANON_JWT_SECRET", "")
	t.Setenv("BEREA_CONFIG", "")
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.CostFor(domain.LangEnglish))
	assert.Equal(t, 20, cfg.CostFor(domain.LangHindi))
	assert.Equal(t, 20, cfg.CostFor(domain.LangMalayalam))
	assert.Equal(t, 8, cfg.DailyLimitFor(domain.PlanFree))
	assert.Equal(t, 50, cfg.DailyLimitFor(domain.PlanPlus))
	assert.Equal(t, domain.PremiumDailySentinel, cfg.DailyLimitFor(domain.PlanPremium))
	assert.Equal(t, "test-secret", cfg.AnonJWTSecret, "anon secret falls back to shared")
}

func TestLoad_FailFastWithoutLLMBackend(t *testing.T) {
	baseEnv(t)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USE_MOCK")
}

func TestLoad_MockAllowsMissingKeys(t *testing.T) {
	baseEnv(t)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("USE_MOCK", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UseMock)
}

func TestLoad_CostOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("COSTS_JSON", `{"en":12,"hi":25}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.CostFor(domain.LangEnglish))
	assert.Equal(t, 25, cfg.CostFor(domain.LangHindi))
	assert.Equal(t, 20, cfg.CostFor(domain.LangMalayalam), "unset language keeps default")
}

func TestLoad_RejectsUnknownPlanOverride(t *testing.T) {
	baseEnv(t)
	t.Setenv("PLAN_LIMITS_JSON", `{"gold":100}`)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plan")
}

func TestLoad_RejectsNonPositiveCost(t *testing.T) {
	baseEnv(t)
	t.Setenv("COSTS_JSON", `{"en":0}`)

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_MissingDBURL(t *testing.T) {
	baseEnv(t)
	t.Setenv("DB_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_URL")
}
