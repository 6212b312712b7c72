package store

// schema is applied in order at startup. Statements are idempotent so every
// process can run them unconditionally.
//
// audit_log.action is the authoritative union of the historical action sets:
// address-generated, address-expired, transaction-created,
// transaction-status-changed, settlement-executed, cold-storage-transfer,
// refund-initiated, webhook-delivered, webhook-failed, system-error,
// api-key-used.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS payment_addresses (
		id              TEXT PRIMARY KEY,
		address         TEXT NOT NULL UNIQUE,
		hd_path         TEXT NOT NULL UNIQUE,
		hd_index        BIGINT NOT NULL,
		encrypted_key   TEXT NOT NULL,
		kind            TEXT NOT NULL,
		status          TEXT NOT NULL,
		merchant_id     TEXT NOT NULL DEFAULT '',
		currency        TEXT NOT NULL DEFAULT '',
		expected_amount NUMERIC(38,18) NOT NULL DEFAULT 0,
		expires_at      TIMESTAMPTZ,
		monitored       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS payment_addresses_kind_index
		ON payment_addresses (kind, hd_index DESC)`,
	`CREATE INDEX IF NOT EXISTS payment_addresses_status
		ON payment_addresses (status) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id                 TEXT PRIMARY KEY,
		tx_hash            TEXT NOT NULL DEFAULT '',
		kind               TEXT NOT NULL,
		status             TEXT NOT NULL,
		currency           TEXT NOT NULL DEFAULT '',
		amount             NUMERIC(38,18) NOT NULL DEFAULT 0,
		fee_amount         NUMERIC(38,18) NOT NULL DEFAULT 0,
		from_address       TEXT NOT NULL DEFAULT '',
		to_address         TEXT NOT NULL DEFAULT '',
		confirmations      BIGINT NOT NULL DEFAULT 0,
		block_number       BIGINT NOT NULL DEFAULT 0,
		block_hash         TEXT NOT NULL DEFAULT '',
		block_time         TIMESTAMPTZ,
		reorg_count        INTEGER NOT NULL DEFAULT 0,
		payment_address_id TEXT NOT NULL DEFAULT '',
		merchant_id        TEXT NOT NULL DEFAULT '',
		settlement_tx_hash TEXT NOT NULL DEFAULT '',
		metadata           JSONB NOT NULL DEFAULT '{}',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_tx_hash
		ON transactions (tx_hash) WHERE tx_hash <> ''`,
	`CREATE INDEX IF NOT EXISTS transactions_settlement
		ON transactions (merchant_id)
		WHERE kind = 'payment' AND status = 'confirmed' AND settlement_tx_hash = ''`,
	`CREATE INDEX IF NOT EXISTS transactions_address
		ON transactions (payment_address_id) WHERE payment_address_id <> ''`,

	`CREATE TABLE IF NOT EXISTS webhook_endpoints (
		id            TEXT PRIMARY KEY,
		merchant_id   TEXT NOT NULL,
		url           TEXT NOT NULL,
		events        JSONB NOT NULL DEFAULT '[]',
		secret        TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT '',
		max_retries   INTEGER NOT NULL DEFAULT 5,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_endpoints_merchant
		ON webhook_endpoints (merchant_id)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id          BIGSERIAL PRIMARY KEY,
		action      TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		prev_state  TEXT NOT NULL DEFAULT '',
		new_state   TEXT NOT NULL DEFAULT '',
		actor       TEXT NOT NULL DEFAULT '',
		detail      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_entity
		ON audit_log (entity_kind, entity_id)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id           TEXT PRIMARY KEY,
		merchant_id  TEXT NOT NULL,
		secret_hash  TEXT NOT NULL,
		secret_blob  TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'active',
		last_used_at TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS failed_messages (
		id          BIGSERIAL PRIMARY KEY,
		queue       TEXT NOT NULL,
		body        BYTEA NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		priority    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		replayed    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS failed_messages_pending
		ON failed_messages (queue) WHERE NOT replayed`,

	`CREATE TABLE IF NOT EXISTS merchants (
		id           TEXT PRIMARY KEY,
		fee_pct      NUMERIC(38,18) NOT NULL DEFAULT 0,
		cold_address TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'active',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
