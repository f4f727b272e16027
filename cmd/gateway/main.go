package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gacha-x402/backend/internal/chain"
	"github.com/gacha-x402/backend/internal/config"
	"github.com/gacha-x402/backend/internal/db"
	"github.com/gacha-x402/backend/internal/devices"
	"github.com/gacha-x402/backend/internal/events"
	apphttp "github.com/gacha-x402/backend/internal/http"
	"github.com/gacha-x402/backend/internal/http/handlers"
	"github.com/gacha-x402/backend/internal/repositories"
	"github.com/gacha-x402/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	if err := cfg.Validate(log); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		fees   repositories.FeeStore      = repositories.NewMemoryFeeStore()
		ledger repositories.PaymentLedger = repositories.NewMemoryPaymentLedger()
		quotes repositories.QuoteStore    = repositories.NewMemoryQuoteStore()
		audit  repositories.AuditLogger   = repositories.NewMemoryAuditLog()

		publisher events.Publisher = events.Nop{}
		rdb       *redis.Client
	)

	// Database
	if cfg.PostgresDSN != "" {
		pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()

		// Run migrations
		if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}

		fees = repositories.NewFeeRepo(pool)
		ledger = repositories.NewPaymentRepo(pool)
		audit = repositories.NewAuditRepo(pool)
	}

	// Redis
	if cfg.RedisURL != "" {
		var err error
		rdb, err = db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()

		quotes = repositories.NewRedisQuoteStore(rdb)
		publisher = events.NewRedisPublisher(rdb, log)
	}

	verifier, err := newVerifier(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up payment verification", zap.Error(err))
	}

	// Devices
	hub := devices.NewHub(cfg.HeartbeatInterval, cfg.CommandTimeout, publisher, log)
	go hub.Run(ctx)

	// Services
	feeService := services.NewFeeService(fees, audit, cfg, log)
	if err := feeService.Seed(ctx); err != nil {
		log.Fatal("failed to seed device fees", zap.Error(err))
	}
	commandService := services.NewCommandService(feeService, quotes, ledger, verifier, hub, publisher, cfg, log)

	// Handlers
	commandHandler := handlers.NewCommandHandler(commandService, log)
	feeHandler := handlers.NewFeeHandler(feeService, log)
	deviceHandler := handlers.NewDeviceHandler(hub, feeService, log)
	deviceSocket := handlers.NewDeviceSocket(hub, log)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: apphttp.ErrorHandler,
		// The command route holds the request open while the device works.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.CommandTimeout + 10*time.Second,
	})

	apphttp.SetupRouter(app, cfg, log, rdb, hub, commandHandler, feeHandler, deviceHandler, deviceSocket)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.ShutdownWithTimeout(cfg.CommandTimeout)
	}()

	addr := fmt.Sprintf(":%s", cfg.GatewayPort)
	log.Info("starting gateway",
		zap.String("addr", addr),
		zap.String("network", cfg.PaymentNetwork),
		zap.String("verification", cfg.PaymentVerification),
	)
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

// newVerifier picks on-chain receipt checks, or trust mode for the simulator.
func newVerifier(ctx context.Context, cfg *config.Config, log *zap.Logger) (chain.Verifier, error) {
	switch cfg.PaymentVerification {
	case config.VerificationTrust:
		return chain.NewTrustVerifier(log), nil
	case config.VerificationChain:
	default:
		return nil, fmt.Errorf("unknown PAYMENT_VERIFICATION %q", cfg.PaymentVerification)
	}

	readers := make(map[string]chain.ReceiptReader)
	for network, rpcURL := range cfg.RPCURLs {
		if rpcURL == "" {
			continue
		}
		client, err := chain.Dial(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", network, err)
		}
		readers[network] = client
	}
	if _, ok := readers[cfg.PaymentNetwork]; !ok {
		return nil, fmt.Errorf("no RPC endpoint for payment network %s", cfg.PaymentNetwork)
	}
	return chain.NewReceiptVerifier(readers, cfg.MinConfirmations, log), nil
}
