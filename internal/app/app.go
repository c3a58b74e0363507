package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/digkill/gemstudio/internal/api"
	"github.com/digkill/gemstudio/internal/auth"
	"github.com/digkill/gemstudio/internal/config"
	"github.com/digkill/gemstudio/internal/database"
	"github.com/digkill/gemstudio/internal/imagegen"
	"github.com/digkill/gemstudio/internal/keypool"
	"github.com/digkill/gemstudio/internal/notify"
	"github.com/digkill/gemstudio/internal/outbox"
	"github.com/digkill/gemstudio/internal/payos"
	"github.com/digkill/gemstudio/internal/queue"
	"github.com/digkill/gemstudio/internal/repository"
	"github.com/digkill/gemstudio/internal/service"
	"github.com/digkill/gemstudio/internal/storage"
)

// App holds the wired dependencies shared by the API server and the worker.
type App struct {
	Config config.Config
	Log    *slog.Logger
	DB     *sql.DB
	Redis  *redis.Client

	Outbox     *outbox.Outbox
	Dispatcher *queue.Dispatcher

	Generation  *service.GenerationService
	Groups      *service.GroupService
	Accounts    *service.AccountService
	Gifts       *service.GiftService
	Packages    *service.PackageService
	Payments    *service.PaymentService
	Credentials *service.CredentialService
	Sweeper     *service.Sweeper
}

// New connects the stores, applies the schema and builds every service.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	db, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

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
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("storage uploader: %w", err)
	}

	alerts, err := notify.New(cfg.TelegramBotToken, cfg.TelegramAlertChatID, log)
	if err != nil {
		// Alerts are best effort; the service runs without them.
		log.Warn("telegram alerts disabled", "err", err)
		alerts = notify.Nop{}
	}

	accountRepo := repository.NewAccountRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)
	packageRepo := repository.NewPackageRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	giftRepo := repository.NewGiftRepository(db)

	ob := outbox.New(rdb, outbox.Config{
		Key:         cfg.OutboxKey,
		MaxAttempts: cfg.OutboxMaxAttempts,
		BaseWait:    cfg.OutboxRetryBaseWait,
	}, outbox.Stores{Accounts: accountRepo, Credentials: credentialRepo}, log)
	dispatcher := queue.NewDispatcher(rdb, cfg.GroupQueueKey, log)
	keys := keypool.NewStoreScheduler(credentialRepo, ob, log)
	gateway := imagegen.NewClient(cfg, log)

	generation := service.NewGenerationService(cfg, log, accountRepo, generationRepo, gateway, keys, uploader, ob, alerts)

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		Redis:       rdb,
		Outbox:      ob,
		Dispatcher:  dispatcher,
		Generation:  generation,
		Groups:      service.NewGroupService(cfg, log, generation, dispatcher),
		Accounts:    service.NewAccountService(cfg, log, accountRepo),
		Gifts:       service.NewGiftService(log, giftRepo),
		Packages:    service.NewPackageService(packageRepo),
		Payments:    service.NewPaymentService(cfg, log, paymentRepo, packageRepo, payos.NewClient(cfg), alerts),
		Credentials: service.NewCredentialService(log, credentialRepo),
		Sweeper:     service.NewSweeper(generation, cfg.StaleJobAfter, log),
	}, nil
}

// APIServer builds the HTTP server over the wired services.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.Config.ListenAddr, a.Config.InternalSecret, a.Log, auth.NewVerifier(a.Config.JWTSecret), api.Services{
		Generation:  a.Generation,
		Groups:      a.Groups,
		Accounts:    a.Accounts,
		Gifts:       a.Gifts,
		Packages:    a.Packages,
		Payments:    a.Payments,
		Credentials: a.Credentials,
		Sweeper:     a.Sweeper,
		Health:      a.Ping,
	})
}

// Ping checks both stores.
func (a *App) Ping(ctx context.Context) error {
	if err := a.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	return errors.Join(a.Redis.Close(), a.DB.Close())
}
