package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/adapters/llm"
	"github.com/satriahrh/tabscribe/adapters/mongo"
	"github.com/satriahrh/tabscribe/adapters/speech"
	"github.com/satriahrh/tabscribe/adapters/sqlite"
	"github.com/satriahrh/tabscribe/adapters/stt"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/api"
	"github.com/satriahrh/tabscribe/internal/auth"
	"github.com/satriahrh/tabscribe/internal/capture"
	"github.com/satriahrh/tabscribe/internal/capture/mic"
	"github.com/satriahrh/tabscribe/internal/config"
	"github.com/satriahrh/tabscribe/internal/connectivity"
	"github.com/satriahrh/tabscribe/internal/dispatch"
	"github.com/satriahrh/tabscribe/internal/overlap"
	"github.com/satriahrh/tabscribe/internal/queue"
	"github.com/satriahrh/tabscribe/internal/saga"
	"github.com/satriahrh/tabscribe/internal/websocket"
	"github.com/satriahrh/tabscribe/usecase"
)

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize logger
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()
	format := capture.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}

	// Capture
	registry := capture.NewRegistry(logger)
	methods := []capture.Method{
		capture.StreamIDMethod{Registry: registry},
		capture.TabMethod{Registry: registry},
		capture.DisplayMethod{Registry: registry},
	}
	if cfg.EnableMicrophone {
		methods = append(methods, mic.NewMethod(logger))
	}
	resolver := capture.NewResolver(methods, cfg.CaptureMethodTimeout, logger)
	recorder := capture.NewRecorder(capture.RecorderConfig{
		ChunkDuration: cfg.ChunkDuration,
		Continuous:    cfg.Continuous,
	}, clk, logger)
	splicer := overlap.NewSplicer(cfg.OverlapDuration, logger)

	// Providers, in fallback order
	newPrimary := func(ctx context.Context, apiKey string) (repositories.Transcriber, error) {
		return llm.NewGeminiTranscriber(ctx, llm.GeminiConfig{
			APIKey:  apiKey,
			Model:   cfg.GeminiModel,
			BaseURL: cfg.GeminiBaseURL,
		}, logger)
	}

	var providers []repositories.Transcriber
	if cfg.GeminiAPIKey != "" {
		primary, err := newPrimary(ctx, cfg.GeminiAPIKey)
		if err != nil {
			logger.Warn("Primary cloud provider disabled", zap.Error(err))
		} else {
			providers = append(providers, primary)
		}
	}

	var proxy *stt.WhisperProxy
	if cfg.WhisperProxyURL != "" {
		proxy, err = stt.NewWhisperProxy(stt.WhisperProxyConfig{
			BaseURL:      cfg.WhisperProxyURL,
			Method:       cfg.ProxyMethod,
			CustomPrompt: cfg.ProxyCustomPrompt,
			Timeout:      cfg.ProviderTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create transcription proxy client", zap.Error(err))
		}
		providers = append(providers, proxy)
	} else if cfg.STTProvider == "mock" {
		providers = append(providers, stt.NewScriptedTranscriber(entities.ProviderProxyWhisper, logger))
	}

	relay := speech.NewRelayRecognizer(registry, logger)
	switch cfg.Recognizer {
	case config.RecognizerRelay:
		providers = append(providers, stt.NewRecognizerTranscriber(relay, cfg.RecognizerLanguage, cfg.RecognizerTimeout, logger))
	case config.RecognizerGoogle:
		providers = append(providers, stt.NewRecognizerTranscriber(stt.NewGoogleRecognizer(logger), cfg.RecognizerLanguage, cfg.RecognizerTimeout, logger))
	}

	monitor := connectivity.NewMonitor(true, clk, logger)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		Multiplier: cfg.RetryBackoffMultiplier,
		Timeout:    cfg.ProviderTimeout,
	}, providers, monitor, clk, logger)

	// Archive
	var archive repositories.TranscriptRepository
	switch cfg.ArchiveBackend {
	case config.ArchiveBackendMongo:
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect transcript archive", zap.Error(err))
		}
		defer client.Close(context.Background())
		archive = mongo.NewTranscriptRepository(client.Database, logger)
	case config.ArchiveBackendSQLite:
		repo, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			logger.Fatal("Failed to open transcript archive", zap.Error(err))
		}
		defer repo.Close()
		archive = repo
	}

	// Session coordinator
	deps := usecase.Dependencies{
		Resolver:     resolver,
		Recorder:     recorder,
		Splicer:      splicer,
		Dispatcher:   dispatcher,
		Registry:     registry,
		Connectivity: monitor,
		Sagas:        saga.NewManager(clk, logger),
		Archive:      archive,
		Relay:        relay,
		NewPrimary:   newPrimary,
		SaveCredential: func(apiKey string) error {
			return config.SaveCredential(cfg.CredentialsFile, apiKey)
		},
		Clock: clk,
	}
	if proxy != nil {
		deps.Proxy = proxy
	}
	service := usecase.NewRecordingService(usecase.RecordingConfig{
		Format:            format,
		Continuous:        cfg.Continuous,
		CaptureRetryDelay: cfg.CaptureRetryDelay,
	}, deps, logger)

	offline := queue.NewOfflineQueue(queue.Config{
		Capacity:   cfg.OfflineBufferSize,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		Multiplier: cfg.RetryBackoffMultiplier,
		Interval:   cfg.QueueProcessInterval,
		Online:     monitor.Online,
	}, dispatcher, service, clk, logger)
	dispatcher.SetQueue(offline)
	service.SetQueue(offline)
	go offline.Run(ctx)

	go monitor.Run(ctx, dispatcher, cfg.ConnectivityProbeInterval)

	// Initialize WebSocket hub with the session coordinator
	hub := websocket.NewHub(service, service, clk, logger)
	service.SetBroadcaster(hub)
	go hub.Run(ctx)

	heartbeat := websocket.NewHeartbeatService(hub, cfg.HeartbeatInterval, clk, logger)
	heartbeat.Start()
	defer heartbeat.Stop()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:             hub,
		Sessions:        service,
		Archive:         archive,
		Tokens:          auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, clk),
		ExtensionSecret: cfg.ExtensionSecret,
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.Int("providers", len(providers)),
		zap.Duration("chunkDuration", cfg.ChunkDuration),
		zap.String("archive", cfg.ArchiveBackend))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if _, err := service.StopRecording(shutdownCtx); err == nil {
		logger.Info("Active recording stopped for shutdown")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()
	service.Close()

	logger.Info("Server exited")
}
