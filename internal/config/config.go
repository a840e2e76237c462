package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	CataloguePath string

	DailyBudgetUsd   float64
	MonthlyBudgetUsd float64

	SchedulerInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBucket string
	ArchivePrefix string

	ActorKeysFile   string
	AllowDebugActor bool

	EmailExecutorURL string
	JiraExecutorURL  string
}

const (
	defaultAddr              = ":8072"
	defaultDailyBudgetUsd    = 10.0
	defaultMonthlyBudgetUsd  = 200.0
	defaultSchedulerInterval = time.Minute
	defaultKafkaTopic        = "governance-events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:              getEnv("GOVERNOR_ADDR", defaultAddr),
		DatabaseURL:       firstNonEmpty(os.Getenv("GOVERNOR_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		CataloguePath:     os.Getenv("GOVERNOR_CATALOGUE_PATH"),
		DailyBudgetUsd:    getFloat("GOVERNOR_DAILY_BUDGET_USD", defaultDailyBudgetUsd),
		MonthlyBudgetUsd:  getFloat("GOVERNOR_MONTHLY_BUDGET_USD", defaultMonthlyBudgetUsd),
		SchedulerInterval: getDuration("GOVERNOR_RELEASE_INTERVAL", defaultSchedulerInterval),
		KafkaBrokers:      splitList(os.Getenv("GOVERNOR_KAFKA_BROKERS")),
		KafkaTopic:        getEnv("GOVERNOR_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:     os.Getenv("GOVERNOR_ARCHIVE_BUCKET"),
		ArchivePrefix:     os.Getenv("GOVERNOR_ARCHIVE_PREFIX"),
		ActorKeysFile:     os.Getenv("GOVERNOR_ACTOR_KEYS_FILE"),
		AllowDebugActor:   getBool("GOVERNOR_ALLOW_DEBUG_ACTOR", false),
		EmailExecutorURL:  os.Getenv("GOVERNOR_EMAIL_EXECUTOR_URL"),
		JiraExecutorURL:   os.Getenv("GOVERNOR_JIRA_EXECUTOR_URL"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or GOVERNOR_DATABASE_URL required")
	}
	if cfg.CataloguePath == "" {
		return Config{}, fmt.Errorf("GOVERNOR_CATALOGUE_PATH required")
	}
	if cfg.DailyBudgetUsd < 0 || cfg.MonthlyBudgetUsd < 0 {
		return Config{}, fmt.Errorf("budget limits must be non-negative")
	}
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "production" && cfg.AllowDebugActor {
		return Config{}, fmt.Errorf("GOVERNOR_ALLOW_DEBUG_ACTOR=true is forbidden in production")
	}
	if nodeEnv == "production" && cfg.ActorKeysFile == "" {
		return Config{}, fmt.Errorf("GOVERNOR_ACTOR_KEYS_FILE required in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
