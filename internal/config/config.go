package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
)

const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	defaultDatabaseURL          = "sqlite:///tmp/creditledger.db"
	defaultGRPCListenAddr       = ":7000"
	defaultWebhookListenAddr    = ":7080"
	defaultWebhookIssuer        = "payments"
	defaultWebhookRatePerSecond = 20.0
	defaultWebhookBurst         = 40
	defaultPurchaseExpiryAge    = 72 * time.Hour
	defaultSweepInterval        = 15 * time.Minute
	defaultRetryAttempts        = 3
)

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL          string
	StoreDriver          string
	GRPCListenAddr       string
	WebhookListenAddr    string
	WebhookSigningKey    string
	WebhookIssuer        string
	WebhookRatePerSecond float64
	WebhookBurst         int
	PurchaseExpiryAge    time.Duration
	SweepInterval        time.Duration
	RetryAttempts        int
	FallbackPlan         string
	PlanQuotas           map[string]int64
	PlanAliases          map[string]string
	Packs                map[string]credits.PackDefinition
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.WebhookListenAddr = defaultIfEmpty(cfg.WebhookListenAddr, defaultWebhookListenAddr)
	cfg.WebhookIssuer = defaultIfEmpty(cfg.WebhookIssuer, defaultWebhookIssuer)
	cfg.FallbackPlan = defaultIfEmpty(cfg.FallbackPlan, credits.PlanFree)
	if cfg.WebhookRatePerSecond <= 0 {
		cfg.WebhookRatePerSecond = defaultWebhookRatePerSecond
	}
	if cfg.WebhookBurst <= 0 {
		cfg.WebhookBurst = defaultWebhookBurst
	}
	if cfg.PurchaseExpiryAge <= 0 {
		cfg.PurchaseExpiryAge = defaultPurchaseExpiryAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if len(cfg.PlanQuotas) == 0 {
		cfg.PlanQuotas = credits.DefaultPlanQuotas()
	}
	if cfg.PlanAliases == nil {
		cfg.PlanAliases = credits.DefaultPlanAliases()
	}
	if len(cfg.Packs) == 0 {
		cfg.Packs = credits.DefaultPackDefinitions()
	}

	switch cfg.StoreDriver {
	case StoreDriverGorm:
	case StoreDriverPgx:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPgx)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if _, _, err := cfg.Catalogs(); err != nil {
		return err
	}
	return nil
}

// ValidateServe validates the configuration and the settings only the server needs.
func (cfg *Config) ValidateServe() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.WebhookSigningKey) == 0 {
		return fmt.Errorf("webhook signing key is required")
	}
	return nil
}

// Catalogs builds the quota and pack catalogs from the configured tables.
func (cfg *Config) Catalogs() (credits.QuotaCatalog, credits.PackCatalog, error) {
	quotas, err := credits.NewQuotaCatalog(cfg.PlanQuotas, cfg.PlanAliases, cfg.FallbackPlan)
	if err != nil {
		return credits.QuotaCatalog{}, credits.PackCatalog{}, fmt.Errorf("quota catalog: %w", err)
	}
	packs, err := credits.NewPackCatalog(cfg.Packs)
	if err != nil {
		return credits.QuotaCatalog{}, credits.PackCatalog{}, fmt.Errorf("pack catalog: %w", err)
	}
	return quotas, packs, nil
}

// IsPostgresURL reports whether dsn names a postgres database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
