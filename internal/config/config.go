package config

import (
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for Nexus.
type Config struct {
	Env        string // dev, staging, prod
	ListenAddr string

	DatabaseURL string
	RedisURL    string

	// MasterKey is the base64-encoded 32-byte key protecting BYOK ciphertexts.
	MasterKey string
	// StreamSigningKey is the base64-encoded HS256 key for stream tokens.
	StreamSigningKey string
	// InternalSecret gates staging/prod requests via X-Nexus-Internal.
	InternalSecret string

	JWTIssuer   string
	JWTAudience string

	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string

	OpenAIEnabled    bool
	AnthropicEnabled bool
	GeminiEnabled    bool

	RateRPM          int
	RateConcurrent   int
	DailyTokenBudget int64

	SweeperInterval time.Duration
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/nexus).
func Load() Config {
	return Config{
		Env:        viper.GetString("env"),
		ListenAddr: viper.GetString("listen_addr"),

		DatabaseURL: viper.GetString("db_url"),
		RedisURL:    viper.GetString("redis_url"),

		MasterKey:        viper.GetString("master_key"),
		StreamSigningKey: viper.GetString("stream_signing_key"),
		InternalSecret:   viper.GetString("internal_secret"),

		JWTIssuer:   viper.GetString("jwt_issuer"),
		JWTAudience: viper.GetString("jwt_audience"),

		OpenAIAPIKey:    viper.GetString("openai_api_key"),
		AnthropicAPIKey: viper.GetString("anthropic_api_key"),
		GeminiAPIKey:    viper.GetString("gemini_api_key"),

		OpenAIEnabled:    viper.GetBool("openai_enabled"),
		AnthropicEnabled: viper.GetBool("anthropic_enabled"),
		GeminiEnabled:    viper.GetBool("gemini_enabled"),

		RateRPM:          viper.GetInt("rate_rpm"),
		RateConcurrent:   viper.GetInt("rate_concurrent"),
		DailyTokenBudget: viper.GetInt64("daily_token_budget"),

		SweeperInterval: viper.GetDuration("sweeper_interval"),
	}
}

// PlatformKey returns the configured platform API key for a provider, or ""
// when none is set.
func (c Config) PlatformKey(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

// ProviderEnabled reports the availability flag for a provider.
func (c Config) ProviderEnabled(provider string) bool {
	switch provider {
	case "openai":
		return c.OpenAIEnabled
	case "anthropic":
		return c.AnthropicEnabled
	case "gemini":
		return c.GeminiEnabled
	}
	return false
}
