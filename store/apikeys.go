package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stablepay/bpgw/gateway"
)

// APIKeyByID loads an active API key. Unknown or disabled keys map to
// gateway.ErrNotFound so the auth layer answers 401 without leaking which.
func (s *Store) APIKeyByID(ctx context.Context, id string) (*gateway.APIKey, error) {
	var k gateway.APIKey
	err := s.call(ctx, "apiKeyByID", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &k, `
			SELECT * FROM api_keys WHERE id = $1 AND status = 'active'`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("api key %s: %w", id, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// TouchAPIKey stamps last_used_at. Best effort; auth does not depend on it.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	return s.call(ctx, "touchAPIKey", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
		return err
	})
}

// MerchantByID loads a merchant row. The gateway reads merchants; management
// lives with the external collaborator.
func (s *Store) MerchantByID(ctx context.Context, id string) (*gateway.Merchant, error) {
	var m gateway.Merchant
	err := s.call(ctx, "merchantByID", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &m, `SELECT * FROM merchants WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("merchant %s: %w", id, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}
