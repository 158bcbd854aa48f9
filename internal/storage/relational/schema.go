package relational

// schema is applied idempotently on every boot via CREATE TABLE/INDEX IF NOT
// EXISTS, using Postgres types suited to the domain (NUMERIC(78,0) for
// arbitrary-precision smallest-unit amounts, JSONB for free-form maps).
const schema = `
CREATE TABLE IF NOT EXISTS markets (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	issuer_id         TEXT,
	asset_category    TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'draft',
	token_symbol      TEXT NOT NULL,
	token_name        TEXT NOT NULL,
	total_supply      NUMERIC(78,0) NOT NULL,
	contract_address  TEXT,
	deploy_tx_hash    TEXT,
	approved_by       TEXT,
	approved_at       TIMESTAMPTZ,
	metadata          JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status);
CREATE INDEX IF NOT EXISTS idx_markets_owner ON markets(owner_id);

CREATE TABLE IF NOT EXISTS market_assets (
	market_id           TEXT PRIMARY KEY REFERENCES markets(id),
	valuation           NUMERIC(78,0) NOT NULL,
	currency            TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	compliance_doc_ids  JSONB NOT NULL DEFAULT '[]',
	regulatory_info     JSONB NOT NULL DEFAULT '{}',
	attributes          JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS tokens (
	symbol            TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	type              TEXT NOT NULL,
	contract_address  TEXT,
	chain             TEXT NOT NULL,
	decimals          SMALLINT NOT NULL,
	total_supply      NUMERIC(78,0),
	active            BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS trading_pairs (
	id                  TEXT PRIMARY KEY,
	base_symbol         TEXT NOT NULL REFERENCES tokens(symbol),
	quote_symbol        TEXT NOT NULL REFERENCES tokens(symbol),
	market_id           TEXT REFERENCES markets(id),
	symbol              TEXT NOT NULL UNIQUE,
	active              BOOLEAN NOT NULL DEFAULT true,
	min_order_size      NUMERIC(78,0) NOT NULL,
	max_order_size      NUMERIC(78,0) NOT NULL,
	price_precision     INT NOT NULL,
	quantity_precision  INT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pairs_market ON trading_pairs(market_id);

CREATE TABLE IF NOT EXISTS orders (
	seq_id             BIGSERIAL,
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	pair_id            TEXT NOT NULL REFERENCES trading_pairs(id),
	side               TEXT NOT NULL,
	kind               TEXT NOT NULL,
	status             TEXT NOT NULL,
	price              NUMERIC(78,0),
	quantity           NUMERIC(78,0) NOT NULL,
	filled_quantity    NUMERIC(78,0) NOT NULL DEFAULT 0,
	average_fill_price NUMERIC(78,0),
	time_in_force      TEXT NOT NULL DEFAULT 'GTC',
	metadata           JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(pair_id, side, price) WHERE status IN ('OPEN','PARTIAL');
CREATE INDEX IF NOT EXISTS idx_orders_pair_status ON orders(pair_id, status);

CREATE TABLE IF NOT EXISTS trades (
	seq_id             BIGSERIAL,
	id                 TEXT PRIMARY KEY,
	pair_id            TEXT NOT NULL REFERENCES trading_pairs(id),
	buy_order_id       TEXT NOT NULL REFERENCES orders(id),
	sell_order_id      TEXT NOT NULL REFERENCES orders(id),
	buyer_id           TEXT NOT NULL,
	seller_id          TEXT NOT NULL,
	price              NUMERIC(78,0) NOT NULL,
	quantity           NUMERIC(78,0) NOT NULL,
	buyer_fee          NUMERIC(78,0) NOT NULL,
	seller_fee         NUMERIC(78,0) NOT NULL,
	settlement_status  TEXT NOT NULL DEFAULT 'PENDING',
	chain_tx_hash      TEXT,
	executed_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	settled_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_trades_buyer_created ON trades(buyer_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_seller_created ON trades(seller_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades(pair_id, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_pending_settlement ON trades(settlement_status, executed_at) WHERE settlement_status = 'PENDING';

CREATE TABLE IF NOT EXISTS balances (
	user_id    TEXT NOT NULL,
	token      TEXT NOT NULL REFERENCES tokens(symbol),
	available  NUMERIC(78,0) NOT NULL DEFAULT 0,
	locked     NUMERIC(78,0) NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, token)
);

CREATE TABLE IF NOT EXISTS compliance_records (
	user_id               TEXT NOT NULL,
	token                 TEXT,
	kyc_status            TEXT NOT NULL DEFAULT 'PENDING',
	kyc_level             INT NOT NULL DEFAULT 0,
	accreditation_status  TEXT NOT NULL DEFAULT '',
	whitelisted           BOOLEAN NOT NULL DEFAULT false,
	jurisdiction          TEXT NOT NULL DEFAULT '',
	expiry                TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_compliance_user_token ON compliance_records(user_id, COALESCE(token, ''));

CREATE TABLE IF NOT EXISTS processed_events (
	event_id           TEXT PRIMARY KEY,
	event_type         TEXT NOT NULL,
	source             TEXT NOT NULL,
	payload            JSONB NOT NULL DEFAULT '{}',
	context            JSONB NOT NULL DEFAULT '{}',
	processed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	processing_status  TEXT NOT NULL,
	processing_error   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_status_time ON processed_events(processing_status, processed_at);
CREATE INDEX IF NOT EXISTS idx_events_type_source ON processed_events(event_type, source);

CREATE TABLE IF NOT EXISTS swaps (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL,
	source_token           TEXT NOT NULL,
	target_token           TEXT NOT NULL,
	source_chain           TEXT NOT NULL,
	target_chain           TEXT NOT NULL,
	source_amount          NUMERIC(78,0) NOT NULL,
	expected_target_amount NUMERIC(78,0) NOT NULL,
	destination_address    TEXT NOT NULL,
	bridge_contract        TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'PENDING',
	bridge_swap_id         TEXT,
	source_tx_hash         TEXT,
	target_tx_hash         TEXT,
	failure_reason         TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_swaps_user_created ON swaps(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);

CREATE TABLE IF NOT EXISTS market_approval_events (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL REFERENCES markets(id),
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	decision    TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_approval_events_market ON market_approval_events(market_id, created_at);

CREATE TABLE IF NOT EXISTS blockchain_events (
	id            BIGSERIAL PRIMARY KEY,
	blockchain    TEXT NOT NULL,
	tx_hash       TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       JSONB NOT NULL DEFAULT '{}',
	observed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (blockchain, tx_hash, event_type)
);
`
