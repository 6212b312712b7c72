package store

import (
	"context"
)

// FailedMessage is a queue delivery that exhausted its retries (or could not
// be published while the broker was down) and was parked for replay.
type FailedMessage struct {
	ID         int64  `db:"id"`
	Queue      string `db:"queue"`
	Body       []byte `db:"body"`
	RetryCount int    `db:"retry_count"`
	Priority   int    `db:"priority"`
	LastError  string `db:"last_error"`
	Replayed   bool   `db:"replayed"`
}

// InsertFailedMessage parks a message for later replay.
func (s *Store) InsertFailedMessage(ctx context.Context, m *FailedMessage) error {
	return s.call(ctx, "insertFailedMessage", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO failed_messages (queue, body, retry_count, priority, last_error)
			VALUES ($1, $2, $3, $4, $5)`,
			m.Queue, m.Body, m.RetryCount, m.Priority, m.LastError)
		return err
	})
}

// PendingFailedMessages returns parked messages oldest first.
func (s *Store) PendingFailedMessages(ctx context.Context, limit int) ([]FailedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []FailedMessage
	err := s.call(ctx, "pendingFailedMessages", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT id, queue, body, retry_count, priority, last_error, replayed
			FROM failed_messages WHERE NOT replayed
			ORDER BY id LIMIT $1`, limit)
	})
	return out, err
}

// MarkReplayed flags a parked message as re-published. Rows stay for the
// audit trail.
func (s *Store) MarkReplayed(ctx context.Context, id int64) error {
	return s.call(ctx, "markReplayed", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE failed_messages SET replayed = TRUE WHERE id = $1`, id)
		return err
	})
}
