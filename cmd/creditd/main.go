package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	creditsv1 "github.com/MarkoPoloResearchLab/creditledger/api/credits/v1"
	"github.com/MarkoPoloResearchLab/creditledger/internal/config"
	"github.com/MarkoPoloResearchLab/creditledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditledger/internal/logging"
	"github.com/MarkoPoloResearchLab/creditledger/internal/sweeper"
	"github.com/MarkoPoloResearchLab/creditledger/internal/webhook"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	flagConfigFile        = "config"
	flagDatabaseURL       = "database-url"
	flagStoreDriver       = "store-driver"
	flagLogDev            = "log-dev"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagWebhookListenAddr = "webhook-listen-addr"
	flagWebhookSigningKey = "webhook-signing-key"
	flagWebhookIssuer     = "webhook-issuer"
	flagWebhookRate       = "webhook-rate"
	flagWebhookBurst      = "webhook-burst"
	flagPurchaseExpiryAge = "purchase-expiry-age"
	flagSweepInterval     = "sweep-interval"
	flagRetryAttempts     = "retry-attempts"
	configKeyFallbackPlan = "plans.fallback"
	configKeyPlanQuotas   = "plans.quotas"
	configKeyPlanAliases  = "plans.aliases"
	configKeyPacks        = "packs"
	envPrefix             = "CREDITD"
)

func main() {
	_ = godotenv.Load()
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and quota-reset service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagConfigFile, "", "optional YAML file with plan and pack catalogs")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "postgres:// or sqlite:// connection string")
	cmd.PersistentFlags().String(flagStoreDriver, "", "store implementation: gorm or pgx")
	cmd.PersistentFlags().Bool(flagLogDev, false, "use the development logger")

	cmd.AddCommand(newServeCommand(), newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC API, the payment webhook and the purchase sweeper",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateServe()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			development, _ := cmd.Flags().GetBool(flagLogDev)
			return runServer(ctx, *cfg, development)
		},
	}
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC listen address")
	cmd.Flags().String(flagWebhookListenAddr, "", "payment webhook listen address")
	cmd.Flags().String(flagWebhookSigningKey, "", "HS256 key the payment gateway signs callbacks with (required)")
	cmd.Flags().String(flagWebhookIssuer, "", "expected issuer of payment callbacks")
	cmd.Flags().Float64(flagWebhookRate, 0, "webhook requests per second")
	cmd.Flags().Int(flagWebhookBurst, 0, "webhook burst size")
	cmd.Flags().Duration(flagPurchaseExpiryAge, 0, "age after which pending purchases expire (e.g. 72h)")
	cmd.Flags().Duration(flagSweepInterval, 0, "interval between purchase expiry sweeps")
	cmd.Flags().Int(flagRetryAttempts, 0, "attempts per transaction on transient store failures")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cfg := &config.Config{}
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context(), *cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if configFile := strings.TrimSpace(v.GetString(flagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.WebhookListenAddr = strings.TrimSpace(v.GetString(flagWebhookListenAddr))
	cfg.WebhookSigningKey = v.GetString(flagWebhookSigningKey)
	cfg.WebhookIssuer = strings.TrimSpace(v.GetString(flagWebhookIssuer))
	cfg.WebhookRatePerSecond = v.GetFloat64(flagWebhookRate)
	cfg.WebhookBurst = v.GetInt(flagWebhookBurst)
	cfg.PurchaseExpiryAge = v.GetDuration(flagPurchaseExpiryAge)
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.RetryAttempts = v.GetInt(flagRetryAttempts)
	cfg.FallbackPlan = strings.TrimSpace(v.GetString(configKeyFallbackPlan))

	if v.IsSet(configKeyPlanQuotas) {
		if err := v.UnmarshalKey(configKeyPlanQuotas, &cfg.PlanQuotas); err != nil {
			return fmt.Errorf("decode %s: %w", configKeyPlanQuotas, err)
		}
	}
	if v.IsSet(configKeyPlanAliases) {
		if err := v.UnmarshalKey(configKeyPlanAliases, &cfg.PlanAliases); err != nil {
			return fmt.Errorf("decode %s: %w", configKeyPlanAliases, err)
		}
	}
	if v.IsSet(configKeyPacks) {
		if err := v.UnmarshalKey(configKeyPacks, &cfg.Packs); err != nil {
			return fmt.Errorf("decode %s: %w", configKeyPacks, err)
		}
	}
	return nil
}

func runServer(ctx context.Context, cfg config.Config, development bool) error {
	logger, err := logging.New(development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	quotas, packs, err := cfg.Catalogs()
	if err != nil {
		return err
	}
	storage, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.close()

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(storage.store, storage.directory, storage.directory, quotas, packs, clock,
		credits.WithOperationLogger(logging.NewOperationLogger(logger)),
		credits.WithRetryAttempts(cfg.RetryAttempts),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	purchaseSweeper, err := sweeper.New(creditService, cfg.PurchaseExpiryAge, logger)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(logging.UnaryServerInterceptor(logger)))
	creditsv1.RegisterCreditLedgerServer(grpcServer, grpcserver.NewCreditLedgerServer(creditService))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr), zap.String("store_driver", cfg.StoreDriver))
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		errCh <- webhook.Run(runCtx, webhook.Config{
			ListenAddr:    cfg.WebhookListenAddr,
			SigningKey:    []byte(cfg.WebhookSigningKey),
			Issuer:        cfg.WebhookIssuer,
			RatePerSecond: cfg.WebhookRatePerSecond,
			Burst:         cfg.WebhookBurst,
		}, creditService, logger)
	}()
	go func() {
		errCh <- storage.runSweeper(runCtx, purchaseSweeper, cfg)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}
	cancel()
	grpcServer.GracefulStop()
	if runErr != nil && !errors.Is(runErr, grpc.ErrServerStopped) {
		return runErr
	}
	return nil
}
