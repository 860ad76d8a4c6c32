package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/paintwave/imagenbot/internal/admin"
	"github.com/paintwave/imagenbot/internal/audit"
	"github.com/paintwave/imagenbot/internal/config"
	"github.com/paintwave/imagenbot/internal/database"
	"github.com/paintwave/imagenbot/internal/gemini"
	"github.com/paintwave/imagenbot/internal/keypool"
	"github.com/paintwave/imagenbot/internal/models"
	"github.com/paintwave/imagenbot/internal/orchestrator"
	"github.com/paintwave/imagenbot/internal/pollinations"
	"github.com/paintwave/imagenbot/internal/quota"
	"github.com/paintwave/imagenbot/internal/repository"
	"github.com/paintwave/imagenbot/internal/session"
	"github.com/paintwave/imagenbot/internal/storage"
	"github.com/paintwave/imagenbot/internal/telegram"
	"github.com/paintwave/imagenbot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	loc, err := time.LoadLocation(cfg.QuotaTimezone)
	if err != nil {
		log.Fatalf("quota timezone: %v", err)
	}

	catalog := models.NewCatalog(
		models.ImageModel{ID: models.ModelFlux, Name: "Flux", Emoji: "⚡", DailyLimit: cfg.FluxDailyLimit, Width: 1024, Height: 1024},
		models.ImageModel{ID: models.ModelTurbo, Name: "Turbo", Emoji: "🚀", DailyLimit: cfg.TurboDailyLimit, Width: 1024, Height: 1024},
		models.ImageModel{ID: models.ModelGPTImage, Name: "GPT Image", Emoji: "🧠", DailyLimit: cfg.GPTImageDailyLimit, Width: 1024, Height: 1024},
	)

	userRepo := repository.NewUserRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	keyRepo := repository.NewKeyRepository(db)
	usageRepo := repository.NewUsageRepository(db)

	// Seed credentials from the environment; duplicates are ignored.
	for _, secret := range cfg.PollinationsKeys {
		if err := keyRepo.Add(ctx, secret, cfg.KeyUsageLimit); err != nil {
			log.Fatalf("seed api key: %v", err)
		}
	}

	backend := pollinations.NewClient(cfg.PollinationsBaseURL, cfg.RequestTimeout, logr)
	pool := keypool.New(keyRepo, backend, keypool.Options{
		MaxRotations:      cfg.MaxKeyRotations,
		MaxAttempts:       cfg.MaxCallAttempts,
		RetryDelay:        cfg.RetryDelay,
		CallTimeout:       cfg.RequestTimeout,
		DefaultUsageLimit: cfg.KeyUsageLimit,
	}, logr)
	if err := pool.Load(ctx); err != nil {
		log.Fatalf("load key pool: %v", err)
	}

	var enricher orchestrator.Enricher
	if cfg.GeminiAPIKey != "" {
		enricher = gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel, cfg.EnrichTimeout, logr)
	} else {
		logr.Warn("gemini api key not set, prompt enrichment disabled")
	}

	var archiver audit.Archiver
	if cfg.S3Bucket != "" {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		archiver = uploader
	}

	auditor := audit.NewWorker(botAPI, archiver, keyRepo, cfg.LogChatID, cfg.AdminID, logr)
	go auditor.Run(ctx)

	sessions := session.NewStore()
	tracker := quota.NewTracker(usageRepo, catalog, loc)
	orch := orchestrator.New(sessions, tracker, pool, enricher, generationRepo, auditor, catalog, logr)

	bot := telegram.NewBot(cfg, botAPI, logr, userRepo, orch, tracker, catalog)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, pool, keyRepo, userRepo, generationRepo, botAPI)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
