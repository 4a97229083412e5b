package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"persona-chat/internal/handler"
	"persona-chat/internal/integrations/claude"
	"persona-chat/internal/realtime"
	"persona-chat/internal/repository"
	"persona-chat/internal/usecase"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	dbPath := envStr("PERSONA_DB_PATH", "data/persona.db")
	port := envInt("PERSONA_PORT", 8080)
	apiKey := mustEnv(logger, "CLAUDE_API_KEY")
	model := os.Getenv("CLAUDE_MODEL")
	maxTokens := envInt("CLAUDE_MAX_TOKENS", 1000)

	// ---- Storage ----
	store, err := repository.OpenSQLite(dbPath)
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// ---- Provider ----
	llm, err := claude.NewClient(apiKey, claude.WithModel(model), claude.WithMaxTokens(maxTokens))
	if err != nil {
		logger.Error("failed to create claude client", "err", err)
		os.Exit(1)
	}

	// ---- Pipeline ----
	broker := realtime.NewBroker(32)
	contexts := usecase.NewContextProvider(store)
	usage := usecase.NewUsageRecorder(store, logger)
	summarizer := usecase.NewSummarizer(store, llm, logger)
	chats, err := usecase.NewChatService(store, llm, broker, contexts, usage, summarizer, logger)
	if err != nil {
		logger.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	chatHandler, err := handler.NewChatHandler(chats, broker, logger)
	if err != nil {
		logger.Error("failed to create chat handler", "err", err)
		os.Exit(1)
	}

	// ---- Router ----
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Route("/api/v1", func(r chi.Router) {
		chatHandler.Register(r)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
		// No global write timeout: the SSE stream stays open indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "err", err)
	}
	// Let in-flight generation tasks persist their replies before closing
	// the database.
	chats.Wait()
}

func mustEnv(logger *slog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
