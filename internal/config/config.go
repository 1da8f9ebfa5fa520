package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL string

	QuestionAPIURL string
	QuestionAPIKey string

	// Question sets are fixed per deployment, not negotiated per battle.
	QuestionTopic      string
	QuestionDifficulty string
	QuestionCount      int

	SessionTTL time.Duration
	LobbyTTL   time.Duration

	AllowedOrigins []string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8090",
		QuestionTopic:      "general",
		QuestionDifficulty: "medium",
		QuestionCount:      5,
		SessionTTL:         time.Hour,
		LobbyTTL:           10 * time.Minute,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.QuestionAPIURL = strings.TrimSpace(os.Getenv("QUESTION_API_URL"))
	cfg.QuestionAPIKey = strings.TrimSpace(os.Getenv("QUESTION_API_KEY"))

	if v := strings.TrimSpace(os.Getenv("QUESTION_TOPIC")); v != "" {
		cfg.QuestionTopic = v
	}
	if v := strings.TrimSpace(os.Getenv("QUESTION_DIFFICULTY")); v != "" {
		cfg.QuestionDifficulty = v
	}
	if v := strings.TrimSpace(os.Getenv("QUESTION_COUNT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QuestionCount = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SESSION_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SessionTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOBBY_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.LobbyTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.QuestionAPIURL == "" {
		return nil, errors.New("QUESTION_API_URL is required")
	}

	return cfg, nil
}
