package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partonomy/annotator/database"
	"github.com/partonomy/annotator/internal/config"
	"github.com/partonomy/annotator/internal/kv"
)

// DatabaseFactory creates a PostgreSQL-backed store.
type DatabaseFactory struct {
	pool  *pgxpool.Pool
	store *kv.PostgresStore
	once  sync.Once
}

var _ Factory = (*DatabaseFactory)(nil)

// DatabaseFactoryOption is a functional option for configuring the DatabaseFactory
type DatabaseFactoryOption func(*databaseFactoryConfig)

type databaseFactoryConfig struct {
	migrate bool
}

// WithMigrations applies pending schema migrations before the pool is opened.
func WithMigrations(enabled bool) DatabaseFactoryOption {
	return func(c *databaseFactoryConfig) {
		c.migrate = enabled
	}
}

// NewDatabaseFactory creates a new database-backed storage factory.
// It establishes a connection pool to the configured PostgreSQL database.
func NewDatabaseFactory(ctx context.Context, cfg *config.Config, opts ...DatabaseFactoryOption) (*DatabaseFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store.Database == nil {
		return nil, fmt.Errorf("database configuration is required for postgres store type")
	}

	fc := &databaseFactoryConfig{}
	for _, opt := range opts {
		opt(fc)
	}

	connStr, err := cfg.Store.Database.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	if fc.migrate {
		slog.Info("Applying database migrations")
		if err := database.MigrateUp(connStr); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	slog.Info("Creating database-backed shared store")
	pool, err := buildDatabaseConnectionPool(ctx, connStr, cfg.Store.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}

	return &DatabaseFactory{
		pool:  pool,
		store: kv.NewPostgresStore(pool),
	}, nil
}

// CreateStore implements Factory
func (d *DatabaseFactory) CreateStore(_ context.Context) (kv.Store, error) {
	return d.store, nil
}

// Cleanup releases resources held by the database factory.
// This closes the database connection pool and any active connections.
func (d *DatabaseFactory) Cleanup() {
	d.once.Do(func() {
		slog.Info("Closing database connection pool")
		d.pool.Close()
	})
}

// buildDatabaseConnectionPool creates a database connection pool with proper configuration.
func buildDatabaseConnectionPool(ctx context.Context, connStr string, dc *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	if dc.MaxOpenConns > 0 {
		poolConfig.MaxConns = dc.MaxOpenConns
	}
	if dc.MaxIdleConns > 0 {
		poolConfig.MinConns = dc.MaxIdleConns
	}
	if lifetime := dc.GetConnMaxLifetime(); lifetime > 0 {
		poolConfig.MaxConnLifetime = lifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	slog.Info("Database connection pool created successfully")
	return pool, nil
}
