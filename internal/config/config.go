// Package config loads and validates process configuration. The environment
// is read exactly once at startup; everything downstream receives the
// validated Config value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/berea-app/berea/internal/domain"
)

// LLMProviderName selects the primary generation provider.
type LLMProviderName string

const (
	ProviderOpenAI    LLMProviderName = "openai"
	ProviderAnthropic LLMProviderName = "anthropic"
)

// Config is the validated process configuration.
type Config struct {
	DBURL         string
	RedisAddr     string
	RedisPassword string

	JWTSecret     string
	AnonJWTSecret string

	LLMProvider     LLMProviderName
	OpenAIKey       string
	AnthropicKey    string
	UseMock         bool
	LLMAttemptTO    time.Duration
	GenerateBudget  time.Duration
	BaseTemperature float64
	BaseTopP        float64

	PaymentsWebhookSecret string
	CheckoutBaseURL       string

	Costs      map[domain.Language]int
	PlanLimits map[domain.Plan]int

	MaxIntervalDays int
	MinEaseFactor   float64

	Server  ServerConfig
	DB      PoolConfig
	Origins []string
}

// ServerConfig holds HTTP listener knobs, overridable via the defaults file.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PoolConfig holds database pool knobs, overridable via the defaults file.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

type defaultsFile struct {
	Server ServerConfig `yaml:"server"`
	DB     PoolConfig   `yaml:"db"`
}

// Load reads .env (best effort), the optional YAML defaults file named by
// BEREA_CONFIG, then the environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		JWTSecret:             os.Getenv("JWT_SECRET"),
		AnonJWTSecret:         os.Getenv("ANON_JWT_SECRET"),
		DBURL:                 os.Getenv("DB_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		OpenAIKey:             os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:          os.Getenv("ANTHROPIC_API_KEY"),
		PaymentsWebhookSecret: os.Getenv("PAYMENTS_WEBHOOK_SECRET"),
		CheckoutBaseURL:       getDefault("CHECKOUT_BASE_URL", "https://payments.berea.app"),
		LLMProvider:           LLMProviderName(getDefault("LLM_PROVIDER", string(ProviderOpenAI))),
		UseMock:               strings.EqualFold(os.Getenv("USE_MOCK"), "true"),
		LLMAttemptTO:          20 * time.Second,
		GenerateBudget:        60 * time.Second,
		BaseTemperature:       0.7,
		BaseTopP:              1.0,
		MaxIntervalDays:       envInt("MAX_INTERVAL_DAYS", 180),
		MinEaseFactor:         envFloat("MIN_EASE_FACTOR", 1.3),
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         envInt("HTTP_PORT", 8080),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 75 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		DB: PoolConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
	}

	if path := os.Getenv("BEREA_CONFIG"); path != "" {
		if err := cfg.applyDefaultsFile(path); err != nil {
			return nil, err
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Origins = append(cfg.Origins, o)
			}
		}
	}

	var err error
	cfg.Costs, err = parseCosts(os.Getenv("COSTS_JSON"))
	if err != nil {
		return nil, err
	}
	cfg.PlanLimits, err = parsePlanLimits(os.Getenv("PLAN_LIMITS_JSON"))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaultsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var df defaultsFile
	if err := yaml.Unmarshal(raw, &df); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if df.Server.Port != 0 {
		c.Server.Port = df.Server.Port
	}
	if df.Server.Host != "" {
		c.Server.Host = df.Server.Host
	}
	if df.Server.ReadTimeout != 0 {
		c.Server.ReadTimeout = df.Server.ReadTimeout
	}
	if df.Server.WriteTimeout != 0 {
		c.Server.WriteTimeout = df.Server.WriteTimeout
	}
	if df.DB.MaxOpenConns != 0 {
		c.DB.MaxOpenConns = df.DB.MaxOpenConns
	}
	if df.DB.MaxIdleConns != 0 {
		c.DB.MaxIdleConns = df.DB.MaxIdleConns
	}
	if df.DB.QueryTimeout != 0 {
		c.DB.QueryTimeout = df.DB.QueryTimeout
	}
	return nil
}

// Validate enforces startup invariants. The process refuses to start without
// a generation backend: either a provider key or the explicit mock.
func (c *Config) Validate() error {
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.AnonJWTSecret == "" {
		c.AnonJWTSecret = c.JWTSecret
	}
	if c.LLMProvider != ProviderOpenAI && c.LLMProvider != ProviderAnthropic {
		return fmt.Errorf("LLM_PROVIDER must be openai or anthropic, got %q", c.LLMProvider)
	}
	if !c.UseMock && c.OpenAIKey == "" && c.AnthropicKey == "" {
		return fmt.Errorf("no LLM provider key configured and USE_MOCK is not true")
	}
	return nil
}

// CostFor returns the token cost of one generation in lang.
func (c *Config) CostFor(lang domain.Language) int {
	if cost, ok := c.Costs[lang]; ok {
		return cost
	}
	return lang.DefaultCost()
}

// DailyLimitFor returns the daily allocation for plan.
func (c *Config) DailyLimitFor(plan domain.Plan) int {
	if limit, ok := c.PlanLimits[plan]; ok {
		return limit
	}
	return plan.DefaultDailyLimit()
}

func parseCosts(raw string) (map[domain.Language]int, error) {
	out := map[domain.Language]int{
		domain.LangEnglish:   domain.LangEnglish.DefaultCost(),
		domain.LangHindi:     domain.LangHindi.DefaultCost(),
		domain.LangMalayalam: domain.LangMalayalam.DefaultCost(),
	}
	if raw == "" {
		return out, nil
	}
	var override map[string]int
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return nil, fmt.Errorf("failed to parse COSTS_JSON: %w", err)
	}
	for k, v := range override {
		lang, ok := domain.ParseLanguage(k)
		if !ok {
			return nil, fmt.Errorf("COSTS_JSON: unknown language %q", k)
		}
		if v <= 0 {
			return nil, fmt.Errorf("COSTS_JSON: cost for %q must be positive", k)
		}
		out[lang] = v
	}
	return out, nil
}

func parsePlanLimits(raw string) (map[domain.Plan]int, error) {
	out := map[domain.Plan]int{
		domain.PlanFree:     domain.PlanFree.DefaultDailyLimit(),
		domain.PlanStandard: domain.PlanStandard.DefaultDailyLimit(),
		domain.PlanPlus:     domain.PlanPlus.DefaultDailyLimit(),
		domain.PlanPremium:  domain.PlanPremium.DefaultDailyLimit(),
	}
	if raw == "" {
		return out, nil
	}
	var override map[string]int
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return nil, fmt.Errorf("failed to parse PLAN_LIMITS_JSON: %w", err)
	}
	for k, v := range override {
		plan, ok := domain.ParsePlan(k)
		if !ok {
			return nil, fmt.Errorf("PLAN_LIMITS_JSON: unknown plan %q", k)
		}
		if v <= 0 {
			return nil, fmt.Errorf("PLAN_LIMITS_JSON: limit for %q must be positive", k)
		}
		out[plan] = v
	}
	return out, nil
}

func getDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
