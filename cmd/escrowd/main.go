package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"escrowd/chain"
	"escrowd/config"
	"escrowd/dispatcher"
	"escrowd/models"
	"escrowd/observability/logging"
	"escrowd/orchestrator"
	"escrowd/reconciler"
	"escrowd/server"
	"escrowd/signer"
	"escrowd/store"
	"escrowd/webhooks"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROWD_CONFIG_FILE"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    "escrowd",
		Env:        cfg.Environment,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	adapter := chain.NewClient(chain.ClientConfig{
		BaseURL:     cfg.Chain.BaseURL,
		APIKey:      cfg.Chain.APIKey,
		CallTimeout: cfg.ChainTimeout(),
	})

	walletSigner := signer.NewWalletSigner()
	if err := loadWallets(context.Background(), st, walletSigner, cfg.EncryptionKey, logger); err != nil {
		logger.Error("load wallets", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:   st,
		Adapter: adapter,
		Signer:  walletSigner,
		Logger:  logger,
	})
	rec := reconciler.New(reconciler.Config{
		Store:    st,
		Adapter:  adapter,
		Logger:   logger,
		Interval: cfg.ReconcileInterval(),
		Batch:    cfg.Reconciler.Batch,
	})
	disp := dispatcher.New(dispatcher.Config{
		Store:    st,
		Adapter:  adapter,
		Logger:   logger,
		Interval: cfg.DispatchInterval(),
		Batch:    cfg.Dispatcher.Batch,
	})

	queue := webhooks.NewQueue(webhooks.WithCapacity(cfg.Webhooks.QueueCapacity))
	publisher := webhooks.NewPublisher(st, queue, logger)
	worker := webhooks.NewWorker(webhooks.WorkerConfig{
		Queue:  queue,
		Client: &http.Client{Timeout: cfg.WebhookTimeout()},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec.Start(ctx)
	disp.Start(ctx)
	worker.Start(ctx)

	srv := server.New(server.Config{
		Store:        st,
		Orchestrator: orch,
		Reconciler:   rec,
		Publisher:    publisher,
		Logger:       logger,
		RevealSecret: cfg.RevealSecret,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	worker.Stop()
	disp.Stop()
	rec.Stop()
	logger.Info("stopped")
}

// loadWallets decrypts every stored hot wallet seed into the signer. Wallets
// without a secret are skipped; a secret that fails to decrypt aborts startup
// since the dispatcher could not sign for it later.
func loadWallets(ctx context.Context, st *store.Store, walletSigner *signer.WalletSigner, encryptionKey string, logger *slog.Logger) error {
	sources, err := st.ListPaymentSources(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, source := range sources {
		for _, wallet := range source.Wallets {
			full, err := st.HotWalletByID(ctx, wallet.ID)
			if err != nil {
				return err
			}
			if full.Secret.EncryptedMnemonic == "" {
				logger.Warn("wallet has no stored secret, signing disabled",
					"walletAddress", wallet.WalletAddress, "network", source.Network)
				continue
			}
			key, err := signer.DecryptSeed(encryptionKey, full.Secret.EncryptedMnemonic)
			if err != nil {
				return err
			}
			if err := walletSigner.AddWallet(wallet.WalletAddress, key); err != nil {
				return err
			}
			loaded++
		}
	}
	logger.Info("wallet keys loaded", "count", loaded)
	return nil
}
