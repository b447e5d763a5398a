// Package main запускает HTTP-сервер сервиса обмена валют.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/exchanger/internal/audit"
	"github.com/mmeshcher/exchanger/internal/cache"
	"github.com/mmeshcher/exchanger/internal/config"
	"github.com/mmeshcher/exchanger/internal/gateway"
	"github.com/mmeshcher/exchanger/internal/handler"
	"github.com/mmeshcher/exchanger/internal/httpx"
	"github.com/mmeshcher/exchanger/internal/market"
	"github.com/mmeshcher/exchanger/internal/middleware"
	"github.com/mmeshcher/exchanger/internal/notify"
	"github.com/mmeshcher/exchanger/internal/ordercode"
	"github.com/mmeshcher/exchanger/internal/rates"
	"github.com/mmeshcher/exchanger/internal/repository"
	"github.com/mmeshcher/exchanger/internal/service"
)

const paymentCodePrefix = "PAY"

func main() {
	logger, _ := zap.NewProduction()

	if err := run(logger); err != nil {
		logger.Sugar().Errorw("application terminated with error", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// run владеет всеми ресурсами сервиса; отложенные закрытия выполняются до выхода из процесса.
func run(logger *zap.Logger) error {
	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("database initialization error: %w", err)
	}
	defer repo.Close()

	redis, err := cache.NewRedis(cfg.RedisAddress)
	if err != nil {
		return fmt.Errorf("redis initialization error: %w", err)
	}
	defer redis.Close()

	if cfg.CodeSecret == "" {
		sugar.Warn("CODE_SECRET is empty, order checksums are not protected")
	}
	orderCodes := ordercode.NewGenerator(cfg.CodePrefix, []byte(cfg.CodeSecret))
	paymentCodes := ordercode.NewGenerator(paymentCodePrefix, []byte(cfg.CodeSecret))

	providers, err := buildProviders(cfg, redis, logger)
	if err != nil {
		return fmt.Errorf("payment providers initialization error: %w", err)
	}

	channels, closeChannels := buildChannels(cfg, logger)
	defer closeChannels()

	rateCache := rates.New(market.NewClient(cfg.MarketAPIURL, logger), repo, redis, rates.Config{
		Pairs:         cfg.RatePairs,
		SpreadPercent: cfg.RateSpreadPercent,
		Interval:      cfg.RateRefreshInterval,
		TTL:           cfg.RateCacheTTL,
	}, logger)

	auditSink := audit.NewSink(repo, 0, logger)
	fanout := notify.NewFanout(cfg.NotifyMaxAttempts, channels...)
	worker := notify.NewWorker(repo, notify.DefaultWorkerOptions, logger, channels...)

	orders := service.NewOrderService(repo, rateCache, orderCodes, fanout, auditSink, logger)
	payments := service.NewPaymentService(repo, gateway.NewRegistry(providers...), paymentCodes, orders, auditSink, logger)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AdminJWTSecret)
	h := handler.NewHandler(orders, payments, rateCache, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Курсы обновляются до остановки сервера.
	rateCache.Start(ctx)
	defer rateCache.Stop()

	orders.StartExpirySweep(ctx, cfg.ExpirySweepInterval)

	g.Go(func() error {
		return auditSink.Run(ctx)
	})

	g.Go(func() error {
		return worker.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting exchanger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

// buildProviders включает провайдеров, для которых заданы учётные данные.
func buildProviders(cfg *config.Config, tokens gateway.TokenStore, logger *zap.Logger) ([]gateway.Provider, error) {
	var providers []gateway.Provider

	if cfg.StripeSecretKey != "" {
		providers = append(providers, gateway.NewStripeProvider(gateway.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			APIURL:        cfg.StripeAPIURL,
		}))
	}

	if cfg.WalletClientID != "" {
		wallet := gateway.NewWalletProvider(gateway.WalletConfig{
			APIURL:        cfg.WalletAPIURL,
			ClientID:      cfg.WalletClientID,
			ClientSecret:  cfg.WalletClientSecret,
			WebhookSecret: cfg.WalletWebhookSecret,
			ReturnURL:     cfg.WalletReturnURL,
		}, logger).WithTokenStore(tokens)
		providers = append(providers, wallet)
	}

	if len(cfg.CryptoAddresses) > 0 {
		crypto, err := gateway.NewCryptoProvider(cfg.CryptoAddresses)
		if err != nil {
			return nil, err
		}
		providers = append(providers, crypto)
	}

	if len(providers) == 0 {
		logger.Warn("no payment providers configured")
	}
	return providers, nil
}

// buildChannels включает каналы уведомлений, для которых задана конфигурация.
func buildChannels(cfg *config.Config, logger *zap.Logger) ([]notify.Channel, func()) {
	var (
		channels []notify.Channel
		closers  []func() error
	)

	if cfg.SMTPAddress != "" {
		channels = append(channels, notify.NewEmailChannel(notify.EmailConfig{
			Address:  cfg.SMTPAddress,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}))
	}

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		channels = append(channels, notify.NewTelegramChannel(notify.TelegramConfig{
			APIURL:   cfg.TelegramAPIURL,
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
		}, httpx.NewClient(logger, httpx.DefaultOptions)))
	}

	if len(cfg.KafkaBrokers) > 0 {
		ch := notify.NewKafkaChannel(cfg.KafkaTopic, notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		channels = append(channels, ch)
		closers = append(closers, ch.Close)
	}

	return channels, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close notification channel", zap.Error(err))
			}
		}
	}
}
