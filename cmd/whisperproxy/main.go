// Command whisperproxy serves the hosted transcription proxy contract
// (POST /transcribe, GET /test) on top of OpenAI Whisper.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/internal/proxy"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	var client proxy.OpenAIClient
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg := openai.DefaultConfig(apiKey)
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			cfg.BaseURL = baseURL
		}
		client = openai.NewClientWithConfig(cfg)
	} else {
		logger.Warn("OPENAI_API_KEY not set, /transcribe will reject requests")
	}

	timeout, err := time.ParseDuration(getEnv("OPENAI_TIMEOUT", "60s"))
	if err != nil {
		logger.Fatal("Invalid OPENAI_TIMEOUT", zap.Error(err))
	}

	server := proxy.NewServer(client, proxy.Config{
		Model:        getEnv("WHISPER_MODEL", openai.Whisper1),
		Language:     getEnv("WHISPER_LANGUAGE", "en"),
		Timeout:      timeout,
		CleanupModel: os.Getenv("CLEANUP_MODEL"),
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("25M"))
	server.InitRoutes(e)

	port := getEnv("PORT", "3000")
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()
	logger.Info("Transcription proxy started", zap.String("port", port), zap.Bool("ready", client != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}
