// Package config loads FORGELOOP configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"forgeloop/internal/logging"
)

// Config holds every tunable the orchestrator, sandbox manager, gateway
// and provider adapters read at startup.
type Config struct {
	Port string

	// Remote sandbox host (docker engine reached over SSH)
	VPSHost   string
	VPSUser   string
	VPSSSHKey string

	MaxConcurrentContainers int
	ContainerCPULimit       string
	ContainerMemoryLimit    string
	ContainerDiskLimit      string
	MaxExecutionTime        time.Duration

	// Chat-completions provider endpoints
	ChatPrimaryURL  string
	ChatPrimaryKey  string
	ChatFallbackURL string
	ChatTimeout     time.Duration

	// Polling bot provider
	BotBaseURL string
	BotSecret  string
	BotModelID string

	// Model identifiers for adaptive routing
	LargeModel string
	MidModel   string
	SmallModel string
	FixerModel string

	GatewayConcurrency int

	MaxOrchestrationTime time.Duration
	MaxIterations        int
}

// Load reads .env (if present) and assembles the configuration.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logging.S().Info(".env file not found, using system environment variables")
	}

	cfg := &Config{
		Port: envString("PORT", "8080"),

		VPSHost:   os.Getenv("VPS_HOST"),
		VPSUser:   envString("VPS_USER", "root"),
		VPSSSHKey: envString("VPS_SSH_KEY", os.ExpandEnv("$HOME/.ssh/id_rsa")),

		MaxConcurrentContainers: envInt("MAX_CONCURRENT_CONTAINERS", 3),
		ContainerCPULimit:       envString("CONTAINER_CPU_LIMIT", "1"),
		ContainerMemoryLimit:    envString("CONTAINER_MEMORY_LIMIT", "2g"),
		ContainerDiskLimit:      envString("CONTAINER_DISK_LIMIT", "10g"),
		MaxExecutionTime:        envDurationMs("MAX_EXECUTION_TIME", 900000),

		ChatPrimaryURL:  os.Getenv("CHAT_PRIMARY_URL"),
		ChatPrimaryKey:  os.Getenv("CHAT_PRIMARY_KEY"),
		ChatFallbackURL: os.Getenv("CHAT_FALLBACK_URL"),
		ChatTimeout:     envDurationMs("CHAT_TIMEOUT", 120000),

		BotBaseURL: os.Getenv("BOT_BASE_URL"),
		BotSecret:  os.Getenv("BOT_SECRET"),
		BotModelID: envString("BOT_MODEL_ID", "supervisor-bot"),

		LargeModel: envString("LARGE_MODEL", "qwen2.5-coder-32b"),
		MidModel:   envString("MID_MODEL", "qwen2.5-coder-14b"),
		SmallModel: envString("SMALL_MODEL", "qwen2.5-coder-7b"),
		FixerModel: envString("FIXER_MODEL", "qwen2.5-coder-7b"),

		GatewayConcurrency: envInt("GATEWAY_CONCURRENCY", 2),

		MaxOrchestrationTime: envDurationMs("MAX_ORCHESTRATION_TIME", 900000),
		MaxIterations:        envInt("MAX_ITERATIONS", 5),
	}

	if cfg.MaxConcurrentContainers < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_CONTAINERS must be >= 1, got %d", cfg.MaxConcurrentContainers)
	}
	if cfg.GatewayConcurrency < 1 {
		return nil, fmt.Errorf("GATEWAY_CONCURRENCY must be >= 1, got %d", cfg.GatewayConcurrency)
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.S().Warnf("invalid integer for %s: %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

// envDurationMs reads a millisecond count, matching how deployments have
// always expressed these knobs.
func envDurationMs(key string, fallbackMs int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallbackMs) * time.Millisecond
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logging.S().Warnf("invalid duration for %s: %q, using default %dms", key, v, fallbackMs)
		return time.Duration(fallbackMs) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
