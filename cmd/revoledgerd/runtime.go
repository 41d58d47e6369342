package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/revoledger/internal/config"
	"github.com/MarkoPoloResearchLab/revoledger/internal/generation"
	"github.com/MarkoPoloResearchLab/revoledger/internal/lock"
	"github.com/MarkoPoloResearchLab/revoledger/internal/migration"
	"github.com/MarkoPoloResearchLab/revoledger/internal/observability"
	"github.com/MarkoPoloResearchLab/revoledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/revoledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type storage interface {
	ledger.Store
	content.Store
}

type database struct {
	gorm   *gorm.DB
	sql    *sql.DB
	driver string
}

func openDatabase(ctx context.Context, dsn string) (*database, error) {
	resolved, err := config.ResolveDatabase(dsn)
	if err != nil {
		return nil, err
	}
	var dialector gorm.Dialector
	switch resolved.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(resolved.DSN)
	case config.DriverSQLite:
		path, err := config.PrepareSQLitePath(resolved.DSN)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", resolved.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if resolved.Driver == config.DriverSQLite {
		// sqlite serializes writers; one connection keeps BEGIN from racing into SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return &database{gorm: db.WithContext(ctx), sql: sqlDB, driver: resolved.Driver}, nil
}

// prepareSchema runs the embedded migrations on postgres and AutoMigrate on sqlite.
func (db *database) prepareSchema() error {
	if db.driver == config.DriverPostgres {
		if err := migration.Up(db.sql); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		return nil
	}
	if err := db.gorm.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (db *database) Close() error {
	return db.sql.Close()
}

type application struct {
	database     *database
	pool         *pgxpool.Pool
	locker       *lock.RedisLocker
	service      *ledger.Service
	reconciler   *ledger.Reconciler
	deduplicator *content.Deduplicator
	charger      *generation.Charger
}

func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger, registerer prometheus.Registerer) (*application, error) {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app := &application{database: db}
	if err := app.wire(ctx, cfg, logger, registerer); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *application) wire(ctx context.Context, cfg *config.Config, logger *zap.Logger, registerer prometheus.Registerer) error {
	if err := app.database.prepareSchema(); err != nil {
		return err
	}

	var store storage = gormstore.New(app.database.gorm)
	if cfg.StoreDriver == config.StoreDriverPGX {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		app.pool = pool
		store = pgstore.New(pool)
	}

	recorder, err := observability.NewOperationRecorder(logger, registerer)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }

	reconcilerOptions := []ledger.ReconcilerOption{ledger.WithReconcileLogger(recorder)}
	if cfg.RedisURL != "" {
		locker, err := lock.NewRedisLockerFromURL(cfg.RedisURL, lock.WithTTL(cfg.LockTTL), lock.WithWait(cfg.LockWait))
		if err != nil {
			return fmt.Errorf("redis locker: %w", err)
		}
		app.locker = locker
		reconcilerOptions = append(reconcilerOptions, ledger.WithLocker(locker))
	}

	if app.service, err = ledger.NewService(store, clock, ledger.WithOperationLogger(recorder)); err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	if app.reconciler, err = ledger.NewReconciler(store, clock, reconcilerOptions...); err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	if app.deduplicator, err = content.NewDeduplicator(store, clock, content.WithOperationLogger(recorder)); err != nil {
		return fmt.Errorf("deduplicator init: %w", err)
	}
	if app.charger, err = generation.NewCharger(app.service, cfg.GenerationCosts); err != nil {
		return fmt.Errorf("charger init: %w", err)
	}
	return nil
}

func (app *application) Close() {
	if app.locker != nil {
		_ = app.locker.Close()
	}
	if app.pool != nil {
		app.pool.Close()
	}
	_ = app.database.Close()
}

// withApplication builds a quiet application for one-shot commands.
func withApplication(ctx context.Context, cfg *config.Config, fn func(app *application) error) error {
	app, err := newApplication(ctx, cfg, zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
