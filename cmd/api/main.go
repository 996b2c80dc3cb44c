package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"p2p-settlement-gateway/config"
	httpHandler "p2p-settlement-gateway/internal/adapter/http/handler"
	"p2p-settlement-gateway/internal/adapter/marketplace"
	memStorage "p2p-settlement-gateway/internal/adapter/storage/memory"
	pgStorage "p2p-settlement-gateway/internal/adapter/storage/postgres"
	redisStorage "p2p-settlement-gateway/internal/adapter/storage/redis"
	"p2p-settlement-gateway/internal/adapter/stream"
	"p2p-settlement-gateway/internal/core/domain"
	"p2p-settlement-gateway/internal/core/ports"
	"p2p-settlement-gateway/internal/service"
	"p2p-settlement-gateway/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting P2P Settlement Gateway")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	pool, err := pgStorage.NewPool(rootCtx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := redisStorage.NewClient(rootCtx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	orderRepo := pgStorage.NewOrderRepo(pool)
	txRepo := pgStorage.NewTransactionRepo(pool)
	walletRepo := pgStorage.NewWalletRepo(pool)
	currencyRepo := pgStorage.NewCurrencyRepo(pool)
	webhookLogRepo := pgStorage.NewWebhookLogRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	settlementCache := redisStorage.NewSettlementCache(rdb)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	var replayGuard ports.ReplayGuard
	switch cfg.Webhook.ReplayStore {
	case "memory":
		replayGuard = memStorage.NewReplayCache(cfg.Webhook.ReplayWindow, cfg.Webhook.ReplayCacheSize)
	default:
		replayGuard = redisStorage.NewReplayStore(rdb, cfg.Webhook.ReplayWindow)
	}

	// Provider secrets may be stored encrypted; an empty passphrase means
	// they are plaintext.
	var encSvc *service.AESEncryptionService
	if cfg.Encryption.Passphrase != "" {
		encSvc, err = service.NewAESEncryptionService(cfg.Encryption.Passphrase, cfg.Encryption.Salt)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize encryption service")
		}
	}

	tokenSvc := service.NewJWTTokenService(cfg.Admin.JWTSecret, cfg.Admin.JWTExpiry, cfg.Admin.JWTIssuer)

	publisher := stream.NewPublisher(rdb, log)

	settlementSvc := service.NewSettlementService(txRepo, walletRepo, currencyRepo, settlementCache, transactor, publisher, logger.WithComponent(log, "settlement"))
	orderSvc := service.NewOrderService(orderRepo, settlementSvc, transactor, publisher, logger.WithComponent(log, "orders"))

	marketSecret := resolveSecret(encSvc, cfg.Marketplace.Secret, "marketplace", log)
	marketSigner, err := service.NewHMACSignatureService(marketSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize marketplace signer")
	}
	marketClient := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.AppID, marketSigner, cfg.Marketplace.Timeout, log)

	providers := make(map[string]service.ProviderProfile, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		profile, err := buildProviderProfile(name, pc, encSvc, log)
		if err != nil {
			log.Fatal().Err(err).Str("provider", name).Msg("Failed to configure provider")
		}
		providers[name] = profile
	}

	ingestSvc := service.NewIngestService(providers, replayGuard, settlementSvc, orderSvc, marketClient, txRepo, webhookLogRepo, publisher, logger.WithComponent(log, "ingest"))

	poller := service.NewOrderPoller(orderSvc, orderRepo, marketClient, cfg.Poller.Interval, cfg.Poller.RunBudget, cfg.Poller.ExpireAfter, cfg.Poller.PageSize, logger.WithComponent(log, "poller"))
	if cfg.Poller.Enabled {
		go poller.Run(rootCtx)
	}

	cashbackRate, err := decimal.NewFromString(cfg.Incentives.CashbackRate)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cashback rate")
	}
	incentiveSvc := service.NewIncentiveService(settlementSvc, currencyRepo, publisher, cashbackRate, logger.WithComponent(log, "incentives"))

	consumer := stream.NewConsumer(rdb, cfg.Dispatcher.Group, cfg.Dispatcher.Consumer, cfg.Dispatcher.Workers, stream.RetryPolicy{
		Initial:     cfg.Dispatcher.RetryInitial,
		MaxInterval: cfg.Dispatcher.RetryMaxInterval,
		MaxAttempts: cfg.Dispatcher.RetryMaxAttempts,
	}, logger.WithComponent(log, "dispatcher"))
	consumer.Handle(domain.EventOrderCompleted, incentiveSvc.HandleOrderCompleted)
	consumer.Handle(domain.EventNotificationRequested, notificationSink(log))
	go func() {
		if err := consumer.Start(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Error().Err(err).Msg("Event consumer stopped")
		}
	}()

	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		IngestSvc:      ingestSvc,
		SettlementSvc:  settlementSvc,
		WebhookLogRepo: webhookLogRepo,
		Poller:         poller,
		TokenSvc:       tokenSvc,
		RateLimitStore: rateLimitStore,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// resolveSecret decrypts a configured secret when encryption is enabled,
// otherwise returns it as-is.
func resolveSecret(encSvc *service.AESEncryptionService, secret, owner string, log zerolog.Logger) string {
	if encSvc == nil || secret == "" {
		return secret
	}
	plaintext, err := encSvc.Decrypt(secret)
	if err != nil {
		log.Fatal().Err(err).Str("owner", owner).Msg("Failed to decrypt configured secret")
	}
	return plaintext
}

// buildProviderProfile turns one provider's config block into the runtime
// profile used by webhook ingestion.
func buildProviderProfile(name string, pc config.ProviderConfig, encSvc *service.AESEncryptionService, log zerolog.Logger) (service.ProviderProfile, error) {
	var signer ports.Signer
	switch pc.Scheme {
	case "rsa":
		rsaSigner, err := service.NewRSASignatureService("", pc.PublicKey)
		if err != nil {
			return service.ProviderProfile{}, fmt.Errorf("rsa key for %s: %w", name, err)
		}
		signer = rsaSigner
	case "hmac":
		hmacSigner, err := service.NewHMACSignatureService(resolveSecret(encSvc, pc.Secret, name, log))
		if err != nil {
			return service.ProviderProfile{}, fmt.Errorf("hmac secret for %s: %w", name, err)
		}
		signer = hmacSigner
	default:
		return service.ProviderProfile{}, fmt.Errorf("unknown signature scheme %q for %s", pc.Scheme, name)
	}

	return service.ProviderProfile{
		Name:             name,
		Signer:           signer,
		ReferenceField:   pc.Fields.Reference,
		AmountField:      pc.Fields.Amount,
		CurrencyField:    pc.Fields.Currency,
		UserField:        pc.Fields.User,
		StatusField:      pc.Fields.Status,
		TypeField:        pc.Fields.Type,
		OrderField:       pc.Fields.Order,
		OrderStatusField: pc.Fields.OrderStatus,
		MethodField:      pc.Fields.Method,
		ReceiptField:     pc.Fields.Receipt,
		SuccessValue:     pc.SuccessValue,
		DebitValues:      pc.DebitValues,
	}, nil
}

// notificationSink is the terminal handler for notification events. Delivery
// to an external channel is out of scope; the structured log line is the
// operator feed.
func notificationSink(log zerolog.Logger) ports.EventHandler {
	return func(_ context.Context, event domain.Event) error {
		n := event.Notification
		if n == nil {
			return fmt.Errorf("event %s carries no notification payload", event.ID)
		}
		entry := log.Info()
		if n.Severity == "warning" {
			entry = log.Warn()
		} else if n.Severity == "error" {
			entry = log.Error()
		}
		entry.
			Str("subject", n.Subject).
			Str("body", n.Body).
			Str("provider", n.Provider).
			Msg("notification")
		return nil
	}
}
