package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stablepay/bpgw/gateway"
)

// InsertEndpoint persists a new webhook endpoint.
func (s *Store) InsertEndpoint(ctx context.Context, e *gateway.WebhookEndpoint) error {
	return s.call(ctx, "insertEndpoint", func(ctx context.Context) error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO webhook_endpoints
				(id, merchant_id, url, events, secret, status,
				 failure_count, last_error, max_retries, created_at, updated_at)
			VALUES
				(:id, :merchant_id, :url, :events, :secret, :status,
				 :failure_count, :last_error, :max_retries, :created_at, :updated_at)`, e)
		return err
	})
}

// EndpointByID loads one endpoint.
func (s *Store) EndpointByID(ctx context.Context, id string) (*gateway.WebhookEndpoint, error) {
	var e gateway.WebhookEndpoint
	err := s.call(ctx, "endpointByID", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &e, `SELECT * FROM webhook_endpoints WHERE id = $1`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("endpoint %s: %w", id, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EndpointsByMerchant lists a merchant's endpoints regardless of status.
func (s *Store) EndpointsByMerchant(ctx context.Context, merchantID string) ([]gateway.WebhookEndpoint, error) {
	var out []gateway.WebhookEndpoint
	err := s.call(ctx, "endpointsByMerchant", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `
			SELECT * FROM webhook_endpoints WHERE merchant_id = $1
			ORDER BY created_at`, merchantID)
	})
	return out, err
}

// ActiveEndpoints returns the merchant's active endpoints subscribed to the
// event. Subscription filtering happens in Go because the event set is JSONB.
func (s *Store) ActiveEndpoints(ctx context.Context, merchantID string, ev gateway.Event) ([]gateway.WebhookEndpoint, error) {
	var all []gateway.WebhookEndpoint
	err := s.call(ctx, "activeEndpoints", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &all, `
			SELECT * FROM webhook_endpoints
			WHERE merchant_id = $1 AND status = 'active'`, merchantID)
	})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Events.Contains(ev) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DisableEndpoint flips an endpoint to disabled. Rows are kept, matching the
// retention rule for every other entity.
func (s *Store) DisableEndpoint(ctx context.Context, id string) error {
	return s.call(ctx, "disableEndpoint", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE webhook_endpoints SET status = 'disabled', updated_at = now()
			WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("endpoint %s: %w", id, gateway.ErrNotFound)
		}
		return nil
	})
}

// EndpointDelivered resets the consecutive-failure counter after a 2xx.
func (s *Store) EndpointDelivered(ctx context.Context, id string) error {
	return s.call(ctx, "endpointDelivered", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE webhook_endpoints
			SET failure_count = 0, last_error = '', updated_at = now()
			WHERE id = $1`, id)
		return err
	})
}

// EndpointFailed increments the consecutive-failure counter and, once it
// reaches max_retries, flips the endpoint to failed. The returned endpoint
// carries the post-update counter and status.
func (s *Store) EndpointFailed(ctx context.Context, id, reason string) (*gateway.WebhookEndpoint, error) {
	var e gateway.WebhookEndpoint
	err := s.call(ctx, "endpointFailed", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &e, `
			UPDATE webhook_endpoints
			SET failure_count = failure_count + 1,
			    last_error = $2,
			    status = CASE WHEN failure_count + 1 >= max_retries AND status = 'active'
			                  THEN 'failed' ELSE status END,
			    updated_at = now()
			WHERE id = $1
			RETURNING *`, id, reason)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("endpoint %s: %w", id, gateway.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}
