// Package postgres opens database/sql connections to PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agroflow/internal/platform/observability"
	"agroflow/internal/platform/retry"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Open connects to dsn, retrying until the database answers or ctx is done.
func Open(ctx context.Context, dsn string, logger observability.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Forever(ctx, logger, "PostgreSQL connection", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	logger.Info("✅ Connected to PostgreSQL")
	return db, nil
}

// Migrate applies schema, which must be idempotent DDL.
func Migrate(ctx context.Context, db *sql.DB, schema string, logger observability.Logger) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Debug("Schema applied", zap.Int("bytes", len(schema)))
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsForeignKeyViolation reports whether err is a foreign-key violation.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// IsInvalidText reports whether err is a malformed-input error, such as a
// string that is not a valid uuid.
func IsInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
