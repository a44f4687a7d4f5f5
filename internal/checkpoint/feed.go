package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

// AppendChange records an emitted change. A zero ChangeNumber is assigned
// from the sequence; a non-zero one is kept (replaying an upstream feed) and
// a duplicate is ignored.
func (s *State) AppendChange(ctx context.Context, msg migration.ChangeMessage) (migration.ChangeMessage, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	var version any
	if msg.ObjectVersion != nil {
		version = *msg.ObjectVersion
	}

	if msg.ChangeNumber != 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO change_messages (change_number, object_id, object_type, object_version, change_type, emitted_on)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(change_number) DO NOTHING
		`, msg.ChangeNumber, msg.ObjectID, string(msg.ObjectType), version, string(msg.ChangeType), formatTime(msg.Timestamp))
		if err != nil {
			return msg, fmt.Errorf("appending change %d: %w", msg.ChangeNumber, err)
		}
		return msg, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO change_messages (object_id, object_type, object_version, change_type, emitted_on)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ObjectID, string(msg.ObjectType), version, string(msg.ChangeType), formatTime(msg.Timestamp))
	if err != nil {
		return msg, fmt.Errorf("appending change: %w", err)
	}
	msg.ChangeNumber, err = res.LastInsertId()
	return msg, err
}

// RegisterProcessed records that queueName processed changeNumber.
// Registering the same pair again is a no-op.
func (s *State) RegisterProcessed(ctx context.Context, changeNumber int64, queueName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (change_number, queue_name, processed_on)
		VALUES (?, ?, ?)
		ON CONFLICT(change_number, queue_name) DO NOTHING
	`, changeNumber, queueName, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("registering change %d for %s: %w", changeNumber, queueName, err)
	}
	return nil
}

// IsProcessed reports whether queueName has processed changeNumber.
func (s *State) IsProcessed(ctx context.Context, changeNumber int64, queueName string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE change_number = ? AND queue_name = ?
	`, changeNumber, queueName).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListUnprocessed returns up to limit changes that queueName has not
// processed, in ascending change number order.
func (s *State) ListUnprocessed(ctx context.Context, queueName string, limit int) ([]migration.ChangeMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.change_number, c.object_id, c.object_type, c.object_version, c.change_type, c.emitted_on
		FROM change_messages c
		WHERE NOT EXISTS (
			SELECT 1 FROM processed_messages p
			WHERE p.change_number = c.change_number AND p.queue_name = ?
		)
		ORDER BY c.change_number
		LIMIT ?
	`, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed for %s: %w", queueName, err)
	}
	defer rows.Close()

	out := []migration.ChangeMessage{}
	for rows.Next() {
		var (
			m          migration.ChangeMessage
			objType    string
			changeType string
			version    sql.NullInt64
			emittedOn  string
		)
		if err := rows.Scan(&m.ChangeNumber, &m.ObjectID, &objType, &version, &changeType, &emittedOn); err != nil {
			return nil, err
		}
		m.ObjectType = migration.Type(objType)
		m.ChangeType = migration.ChangeType(changeType)
		if version.Valid {
			v := version.Int64
			m.ObjectVersion = &v
		}
		m.Timestamp = parseTime(emittedOn)
		out = append(out, m)
	}
	return out, rows.Err()
}
