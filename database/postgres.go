package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"snaprgb/config"
)

const maxRetries = 10

const schema = `
CREATE TABLE IF NOT EXISTS rpc_calls (
    uuid       UUID PRIMARY KEY,
    addr       CHAR(12) NOT NULL,
    func       TEXT NOT NULL,
    args       BIGINT[] NOT NULL,
    outcome    TEXT NOT NULL,
    result     BIGINT,
    latency_ms BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rpc_calls_addr_created_at ON rpc_calls (addr, created_at DESC);
`

// DSN builds the lib/pq connection string for cfg.
func DSN(cfg config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
}

// ConnectDB retries with a linear backoff until the database answers a ping.
func ConnectDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	dsn := DSN(cfg)

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", i+1).Msg("Error opening database, retrying")
		} else if err = db.PingContext(ctx); err == nil {
			log.Info().Str("host", cfg.DBHost).Msg("Database connection successful!")

			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(10)
			db.SetConnMaxLifetime(5 * time.Minute)

			return db, nil
		} else {
			lastErr = err
			log.Warn().Err(err).Int("attempt", i+1).Msg("Error pinging database, retrying")
			db.Close()
		}

		select {
		case <-time.After(time.Duration(i+1) * time.Second):
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}
	return nil, errors.Annotatef(lastErr, "connecting to database after %d attempts", maxRetries)
}

// Migrate creates the rpc_calls table when it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Annotate(err, "creating rpc_calls table")
	}
	return nil
}
