package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/config"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/sweeper"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type directory interface {
	credits.SubscriberDirectory
	credits.ResourceDirectory
}

// backend is the persistence wiring selected by the store driver.
type backend struct {
	store     credits.Store
	directory directory
	pool      *pgxpool.Pool
	close     func()
}

// runSweeper schedules purchase expiry through river when a pgx pool is available.
func (backend backend) runSweeper(ctx context.Context, purchaseSweeper *sweeper.Sweeper, cfg config.Config) error {
	if backend.pool != nil {
		return purchaseSweeper.RunRiver(ctx, backend.pool, cfg.SweepInterval)
	}
	return purchaseSweeper.RunTicker(ctx, cfg.SweepInterval)
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	if cfg.StoreDriver == config.StoreDriverPgx {
		pool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		return backend{
			store:     pgstore.New(pool),
			directory: pgstore.NewDirectory(pool),
			pool:      pool,
			close:     pool.Close,
		}, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return backend{}, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return backend{}, err
	}
	return backend{
		store:     gormstore.New(gormDB),
		directory: gormstore.NewDirectory(gormDB),
		close:     func() { _ = cleanup() },
	}, nil
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pool, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}

// prepareSchema auto-migrates sqlite; postgres schemas come from the goose migrations.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// migrate applies the schema for the configured database.
func migrate(ctx context.Context, cfg config.Config) error {
	if !config.IsPostgresURL(cfg.DatabaseURL) {
		gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database open: %w", err)
		}
		defer func() { _ = cleanup() }()
		return prepareSchema(gormDB, driver)
	}
	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return err
	}
	if cfg.StoreDriver == config.StoreDriverPgx {
		return sweeper.MigrateRiver(ctx, pool)
	}
	return nil
}
