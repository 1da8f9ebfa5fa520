package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quizduel/internal/battle"
	appcfg "quizduel/internal/config"
	"quizduel/internal/hub"
	"quizduel/internal/msgcat"
	"quizduel/internal/obslog"
	"quizduel/internal/questions"
	"quizduel/internal/server"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis url parse error", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("redis unreachable", zap.Error(err))
	}
	cancel()

	cat, err := msgcat.New(os.Getenv("MESSAGE_DIR"))
	if err != nil {
		logger.Fatal("message catalog error", zap.Error(err))
	}

	gateway := questions.NewClient(cfg.QuestionAPIURL, questions.WithAPIKey(cfg.QuestionAPIKey))

	h := hub.New()
	store := battle.NewStore(rdb, cfg.SessionTTL, cfg.LobbyTTL)
	sessions := battle.NewManager(battle.Config{
		Topic:      cfg.QuestionTopic,
		Difficulty: cfg.QuestionDifficulty,
		Count:      cfg.QuestionCount,
	}, store, gateway, h, cat)
	mm := battle.NewMatchmaker(store, sessions)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(h, mm, sessions, cat, cfg.AllowedOrigins).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("battle server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = rdb.Close()
}
