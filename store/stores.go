// Package store implements all database operations for uptime-server.
package store

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/lefinal/uptime-server/errors"
	"go.uber.org/zap"
)

// Mall implements all database operations.
type Mall struct {
	logger *zap.Logger
	// db is the actual database to perform operations in.
	db *pgxpool.Pool
	// dialect is the SQL dialect for building queries.
	dialect goqu.DialectWrapper
}

// NewMall creates a new Mall using the given database. It uses the PostgreSQL
// dialect for queries.
func NewMall(logger *zap.Logger, db *pgxpool.Pool) *Mall {
	return &Mall{
		logger:  logger,
		db:      db,
		dialect: goqu.Dialect("postgres"),
	}
}

// bootstrapStatements are the schema statements that are run via Bootstrap.
// They are idempotent so running them on every boot is fine.
var bootstrapStatements = []string{
	`create table if not exists devices (
		name text primary key,
		status text not null,
		last_seen timestamptz not null
	)`,
	`create table if not exists outages (
		id uuid primary key,
		device text not null,
		start_time timestamptz not null,
		end_time timestamptz,
		duration_ms bigint not null default 0
	)`,
	`create index if not exists outages_device_start_time on outages (device, start_time desc)`,
	`create table if not exists uptime_samples (
		device text not null,
		bucket_key text not null,
		uptime_ms bigint not null,
		recorded_at timestamptz not null,
		primary key (device, bucket_key)
	)`,
	`create table if not exists event_records (
		id bigserial primary key,
		device text not null,
		kind text not null,
		ts timestamptz not null,
		declared_percent double precision
	)`,
	`create table if not exists subscribers (
		chat_id bigint primary key
	)`,
	`create table if not exists markers (
		key text primary key,
		value text not null
	)`,
}

// Bootstrap assures that the database schema exists.
func (m *Mall) Bootstrap(ctx context.Context) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return errors.NewDBTxBeginError(err)
	}
	for _, statement := range bootstrapStatements {
		_, err = tx.Exec(ctx, statement)
		if err != nil {
			m.rollbackTx(ctx, tx, "bootstrap statement failed")
			return errors.NewExecQueryError(err, "exec bootstrap statement", statement)
		}
	}
	err = tx.Commit(ctx)
	if err != nil {
		return errors.NewDBTxCommitError(err)
	}
	return nil
}

// rollbackTx rolls back the given pgx.Tx. The encapsulation is needed because
// rolling back might return an error which does not need to be returned but
// definitely logged with the original reason the rollback was performed.
func (m *Mall) rollbackTx(ctx context.Context, tx pgx.Tx, reason string) {
	err := tx.Rollback(ctx)
	if err != nil {
		errors.Log(m.logger, errors.Error{
			Code:    errors.ErrInternal,
			Message: "rollback tx",
			Err:     err,
			Details: errors.Details{"rollbackReason": reason},
		})
	}
}
