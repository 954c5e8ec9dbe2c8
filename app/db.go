package app

import (
	"context"
	nativeerrors "errors"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/lefinal/uptime-server/errors"
)

// defaultMaxDBConnections is the maximum number of database connections that
// is used when no other one is provided in the Config.
const defaultMaxDBConnections = 16

// connectDB connects to the database with the given connection string and
// returns the connection pool.
func connectDB(ctx context.Context, connectionStr string, maxDBConnections int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connectionStr)
	if err != nil {
		return nil, errors.Error{
			Code:    errors.ErrFatal,
			Err:     err,
			Message: "parse db connection string",
		}
	}
	poolConfig.MaxConns = maxDBConnections
	dbPool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Error{
			Code:    errors.ErrFatal,
			Err:     err,
			Message: "connect to database",
		}
	}
	err = testDBConnection(ctx, dbPool)
	if err != nil {
		return nil, errors.Wrap(err, "test db connection", nil)
	}
	return dbPool, nil
}

// testDBConnection tests the database connection by simply querying 1.
func testDBConnection(ctx context.Context, db *pgxpool.Pool) error {
	// Build test query.
	q, _, err := goqu.Select(goqu.V(1)).ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "test query to sql", nil)
	}
	var got int
	err = db.QueryRow(ctx, q).Scan(&got)
	if err != nil {
		// Surface the SQL state for easier diagnosis of connection issues.
		var pgErr *pgconn.PgError
		if nativeerrors.As(err, &pgErr) {
			return errors.Error{
				Code:    errors.ErrFatal,
				Err:     err,
				Message: "test query failed",
				Details: errors.Details{"sql_state": pgErr.Code},
			}
		}
		return errors.NewScanDBRowError(err, "test query failed", q)
	}
	if got != 1 {
		return errors.Error{
			Code:    errors.ErrFatal,
			Message: "test db connection: unexpected result",
			Details: errors.Details{"got": got},
		}
	}
	return nil
}
