package store

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	"github.com/lefinal/uptime-server/errors"
)

// AddSubscriber registers the given chat id as a broadcast destination. If it
// is already registered, nothing happens.
func (m *Mall) AddSubscriber(ctx context.Context, chatID int64) error {
	// Build query.
	q, _, err := m.dialect.Insert("subscribers").Rows(goqu.Record{
		"chat_id": chatID,
	}).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Exec.
	_, err = m.db.Exec(ctx, q)
	if err != nil {
		return errors.NewExecQueryError(err, "exec query", q)
	}
	return nil
}

// Subscribers retrieves all registered subscriber chat ids.
func (m *Mall) Subscribers(ctx context.Context) ([]int64, error) {
	// Build query.
	q, _, err := m.dialect.From("subscribers").
		Select(goqu.C("chat_id")).
		Order(goqu.C("chat_id").Asc()).ToSQL()
	if err != nil {
		return nil, errors.NewInternalErrorFromErr(err, "query to sql", nil)
	}
	// Query.
	rows, err := m.db.Query(ctx, q)
	if err != nil {
		return nil, errors.NewExecQueryError(err, "query db", q)
	}
	defer rows.Close()
	// Scan.
	chatIDs := make([]int64, 0)
	for rows.Next() {
		var chatID int64
		err = rows.Scan(&chatID)
		if err != nil {
			return nil, errors.NewScanDBRowError(err, "scan row", q)
		}
		chatIDs = append(chatIDs, chatID)
	}
	return chatIDs, nil
}
