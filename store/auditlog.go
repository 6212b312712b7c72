package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/stablepay/bpgw/audit"
)

const auditInsert = `
	INSERT INTO audit_log (action, entity_kind, entity_id, prev_state, new_state, actor, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// auditInTx appends an entry inside an open transaction. State-changing
// writes use this so the entry commits or rolls back with the change.
func auditInTx(ctx context.Context, tx *sqlx.Tx, e audit.Entry) error {
	_, err := tx.ExecContext(ctx, auditInsert,
		e.Action, e.EntityKind, e.EntityID, e.PrevState, e.NewState, e.Actor, e.Detail)
	return err
}

// Record implements audit.Log for standalone entries (system errors, webhook
// outcomes) that do not ride another write.
func (s *Store) Record(ctx context.Context, e audit.Entry) error {
	return s.call(ctx, "auditRecord", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, auditInsert,
			e.Action, e.EntityKind, e.EntityID, e.PrevState, e.NewState, e.Actor, e.Detail)
		return err
	})
}

// AuditTrail returns the newest entries for one entity, for the read surface.
func (s *Store) AuditTrail(ctx context.Context, entityKind, entityID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []audit.Entry
	err := s.call(ctx, "auditTrail", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT * FROM audit_log
			WHERE entity_kind = $1 AND entity_id = $2
			ORDER BY id DESC LIMIT $3`, entityKind, entityID, limit)
	})
	return out, err
}
