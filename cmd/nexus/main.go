package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nexushq/nexus/internal/chat"
	"github.com/nexushq/nexus/internal/config"
	"github.com/nexushq/nexus/internal/crypto"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
	"github.com/nexushq/nexus/internal/kv"
	"github.com/nexushq/nexus/internal/limiter"
	"github.com/nexushq/nexus/internal/llm"
	"github.com/nexushq/nexus/internal/logging"
	"github.com/nexushq/nexus/internal/prompt"
	"github.com/nexushq/nexus/internal/provenance"
	"github.com/nexushq/nexus/internal/streamtoken"
	"github.com/nexushq/nexus/internal/web"
)

func main() {
	// A local .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "Multi-tenant chat service over pluggable LLM providers",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("env", "dev", "deployment environment (dev, staging, prod)")
	f.String("listen-addr", ":8080", "HTTP listen address")
	f.String("db-url", "", "postgres connection URL")
	f.String("redis-url", "", "redis connection URL")
	f.String("master-key", "", "base64 32-byte master key for BYOK encryption")
	f.String("stream-signing-key", "", "base64 HS256 key for stream tokens")
	f.String("internal-secret", "", "shared secret for X-Nexus-Internal in staging/prod")
	f.String("jwt-issuer", "", "OIDC issuer URL for bearer tokens")
	f.String("jwt-audience", "", "expected audience of bearer tokens")
	f.String("openai-api-key", "", "platform OpenAI key")
	f.String("anthropic-api-key", "", "platform Anthropic key")
	f.String("gemini-api-key", "", "platform Gemini key")
	f.Bool("openai-enabled", true, "enable the OpenAI provider")
	f.Bool("anthropic-enabled", true, "enable the Anthropic provider")
	f.Bool("gemini-enabled", true, "enable the Gemini provider")
	f.Int("rate-rpm", 20, "per-user requests per minute")
	f.Int("rate-concurrent", 3, "per-user concurrent sends")
	f.Int64("daily-token-budget", 100000, "per-user daily platform token budget")
	f.Duration("sweeper-interval", time.Minute, "orphaned-pending sweep interval")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the NEXUS_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("env", "env")
	bindFlag("listen_addr", "listen-addr")
	bindFlag("db_url", "db-url")
	bindFlag("redis_url", "redis-url")
	bindFlag("master_key", "master-key")
	bindFlag("stream_signing_key", "stream-signing-key")
	bindFlag("internal_secret", "internal-secret")
	bindFlag("jwt_issuer", "jwt-issuer")
	bindFlag("jwt_audience", "jwt-audience")
	bindFlag("openai_api_key", "openai-api-key")
	bindFlag("anthropic_api_key", "anthropic-api-key")
	bindFlag("gemini_api_key", "gemini-api-key")
	bindFlag("openai_enabled", "openai-enabled")
	bindFlag("anthropic_enabled", "anthropic-enabled")
	bindFlag("gemini_enabled", "gemini-enabled")
	bindFlag("rate_rpm", "rate-rpm")
	bindFlag("rate_concurrent", "rate-concurrent")
	bindFlag("daily_token_budget", "daily-token-budget")
	bindFlag("sweeper_interval", "sweeper-interval")

	viper.SetEnvPrefix("NEXUS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	logger.Info().Str("version", config.Version).Str("env", cfg.Env).Msg("nexus starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	redis, err := kv.Open(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	defer redis.Close()

	envelope, err := crypto.NewEnvelope(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}
	tokens, err := streamtoken.New(cfg.StreamSigningKey, redis)
	if err != nil {
		return fmt.Errorf("load stream signing key: %w", err)
	}
	verifier, err := web.NewOIDCVerifier(ctx, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	authority := provenance.New(database)
	resolver := keys.New(database, envelope, cfg.PlatformKey, logger)
	gate := limiter.New(redis, limiter.Limits{
		RPM:         cfg.RateRPM,
		Concurrent:  cfg.RateConcurrent,
		DailyTokens: cfg.DailyTokenBudget,
	}, logger)

	router := llm.NewRouter(llm.NewHTTPClient(), map[string]bool{
		llm.ProviderOpenAI:    cfg.OpenAIEnabled,
		llm.ProviderAnthropic: cfg.AnthropicEnabled,
		llm.ProviderGemini:    cfg.GeminiEnabled,
	}, logger)

	renderer := prompt.NewRenderer(database, logger)
	orch := chat.NewOrchestrator(database, authority, resolver, gate, renderer, router, redis, logger)
	sweeper := chat.NewSweeper(database, redis, logger)
	server := web.New(cfg, database, authority, orch, tokens, verifier, redis, envelope, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		sweeper.Run(gctx, cfg.SweeperInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("nexus: %w", err)
	}
	logger.Info().Msg("nexus stopped")
	return nil
}
