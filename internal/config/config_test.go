package config

import (
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
)

func TestValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabaseURL || cfg.StoreDriver != StoreDriverGorm {
		test.Fatalf("unexpected database defaults %+v", cfg)
	}
	if cfg.GRPCListenAddr != defaultGRPCListenAddr || cfg.WebhookListenAddr != defaultWebhookListenAddr {
		test.Fatalf("unexpected listen defaults %+v", cfg)
	}
	if cfg.PurchaseExpiryAge != 72*time.Hour || cfg.SweepInterval != defaultSweepInterval || cfg.RetryAttempts != 3 {
		test.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if cfg.PlanQuotas[credits.PlanPro] != 30 || len(cfg.Packs) != 4 {
		test.Fatalf("expected built-in catalogs, got %+v %+v", cfg.PlanQuotas, cfg.Packs)
	}
}

func TestValidateRejectsInvalidSettings(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		cfg     Config
		message string
	}{
		{name: "unknown driver", cfg: Config{StoreDriver: "mysql"}, message: "unsupported store driver"},
		{name: "pgx on sqlite", cfg: Config{StoreDriver: "PGX", DatabaseURL: "sqlite:///tmp/x.db"}, message: "requires a postgres database url"},
		{name: "fallback without quota", cfg: Config{FallbackPlan: "gold"}, message: "quota catalog"},
		{name: "bad pack", cfg: Config{Packs: map[string]credits.PackDefinition{"pack_x": {PriceCents: 0, Credits: 1}}}, message: "pack catalog"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := testCase.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				test.Fatalf("expected error containing %q, got %v", testCase.message, err)
			}
		})
	}
}

func TestValidateServeRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.ValidateServe(); err == nil || !strings.Contains(err.Error(), "signing key") {
		test.Fatalf("expected signing key error, got %v", err)
	}
	cfg = Config{WebhookSigningKey: "secret", StoreDriver: StoreDriverPgx, DatabaseURL: "postgres://localhost/credits"}
	if err := cfg.ValidateServe(); err != nil {
		test.Fatalf("validate serve: %v", err)
	}
}

func TestCatalogsUseConfiguredTables(test *testing.T) {
	test.Parallel()
	cfg := Config{
		PlanQuotas:   map[string]int64{"free": 2, "team": 100},
		PlanAliases:  map[string]string{"business": "team"},
		FallbackPlan: "free",
		Packs:        map[string]credits.PackDefinition{"bulk": {PriceCents: 5000, Credits: 200, BonusCredits: 50}},
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	quotas, packs, err := cfg.Catalogs()
	if err != nil {
		test.Fatalf("catalogs: %v", err)
	}
	business, err := credits.NewPlanID("business")
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	if quotas.QuotaFor(business) != 100 {
		test.Fatalf("expected alias to resolve to team quota, got %d", quotas.QuotaFor(business))
	}
	bulk, err := credits.NewPackID("bulk")
	if err != nil {
		test.Fatalf("pack id: %v", err)
	}
	pack, err := packs.PackFor(bulk)
	if err != nil {
		test.Fatalf("pack for: %v", err)
	}
	if pack.TotalCredits != 250 {
		test.Fatalf("expected 250 total credits, got %d", pack.TotalCredits)
	}
}
