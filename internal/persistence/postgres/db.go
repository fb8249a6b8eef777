package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/berea-app/berea/internal/config"
	"github.com/berea-app/berea/internal/persistence"
)

//go:embed schema.sql
var schemaSQL string

// Manager owns the database handle and the repository instances built on it.
type Manager struct {
	db      *sqlx.DB
	timeout time.Duration
	repos   *persistence.Repository
}

// NewManager opens the pool, verifies connectivity, and wires repositories.
func NewManager(dsn string, pool config.PoolConfig) (*Manager, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := &Manager{db: db, timeout: pool.QueryTimeout}
	m.repos = &persistence.Repository{
		Content:       NewContentRepo(db, pool.QueryTimeout),
		Ownership:     NewOwnershipRepo(db, pool.QueryTimeout),
		Sessions:      NewSessionRepo(db, pool.QueryTimeout),
		Subscriptions: NewSubscriptionRepo(db, pool.QueryTimeout),
		Memory:        NewMemoryRepo(db, pool.QueryTimeout),
		Catalog:       NewCatalogRepo(db, pool.QueryTimeout),
	}
	return m, nil
}

// Repository returns the wired repository aggregate.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// DB exposes the handle for services that manage their own transactions.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Migrate applies the embedded schema. Statements are idempotent.
func (m *Manager) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping tests connectivity for health checks.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Close releases the connection pool.
func (m *Manager) Close() error { return m.db.Close() }
