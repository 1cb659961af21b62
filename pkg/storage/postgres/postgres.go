package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pgUniqueViolation is the PostgreSQL error code for unique constraint violations
const pgUniqueViolation = "23505"

// Backend implements storage.Store on PostgreSQL.
type Backend struct {
	log  logrus.FieldLogger
	cfg  *Config
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

var _ storage.Store = (*Backend)(nil)

// New creates a PostgreSQL backend. Connections are established by Start.
func New(log logrus.FieldLogger, cfg *Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	return &Backend{
		log: log.WithField("component", "storage.postgres"),
		cfg: cfg,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Start connects the pool and applies pending migrations.
func (b *Backend) Start(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(b.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = b.cfg.MaxConns
	poolCfg.MaxConnIdleTime = b.cfg.ConnMaxIdleTime
	poolCfg.ConnConfig.ConnectTimeout = b.cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := b.migrate(); err != nil {
		pool.Close()
		return err
	}

	b.pool = pool
	b.log.Info("Connected to PostgreSQL")

	return nil
}

// Stop closes the connection pool.
func (b *Backend) Stop() error {
	if b.pool != nil {
		b.pool.Close()
	}

	b.log.Info("Closed PostgreSQL pool")

	return nil
}

// migrate runs goose migrations over a temporary database/sql connection.
func (b *Backend) migrate() error {
	db, err := sql.Open("pgx", b.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			b.log.WithError(closeErr).Warn("Failed to close migration connection")
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation, optionally on a specific constraint name.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}

	return constraint == "" || pgErr.ConstraintName == constraint
}
