package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/lib/pq"
)

// CallRecord is one RPC round trip as kept in the rpc_calls table.
type CallRecord struct {
	UUID      uuid.UUID
	Addr      string
	Func      string
	Args      []int64
	Outcome   string
	Result    *int64
	Latency   time.Duration
	CreatedAt time.Time
}

type Journal interface {
	Record(ctx context.Context, rec CallRecord) error
}

// SQLJournal stores call records in Postgres.
type SQLJournal struct {
	db *sql.DB
}

func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

func (j *SQLJournal) Record(ctx context.Context, rec CallRecord) error {
	query := `
        INSERT INTO rpc_calls (uuid, addr, func, args, outcome, result, latency_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var result sql.NullInt64
	if rec.Result != nil {
		result = sql.NullInt64{Int64: *rec.Result, Valid: true}
	}
	args := rec.Args
	if args == nil {
		args = []int64{}
	}

	_, err := j.db.ExecContext(ctx, query,
		rec.UUID, rec.Addr, rec.Func, pq.Array(args), rec.Outcome, result,
		rec.Latency.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return errors.Annotatef(err, "failed to insert call %s", rec.UUID)
	}
	return nil
}
