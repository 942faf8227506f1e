package repository

// Schema definitions for the Merlin database.
// Compatible with both SQLite and PostgreSQL. Timestamps are stored as
// unix nanoseconds so range predicates order identically on both drivers.
// Money is stored as decimal text.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    card_bin TEXT NOT NULL DEFAULT '',
    device_fingerprint TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('APPROVED', 'SOFT_DECLINED', 'HARD_DECLINED', 'PENDING', 'TIMED_OUT')),
    billing_country TEXT NOT NULL,
    shipping_country TEXT NOT NULL,
    product_category TEXT NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    unit_price TEXT NOT NULL,
    first_purchase INTEGER NOT NULL DEFAULT 0,
    timestamp_ns BIGINT NOT NULL,
    created_at_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_email_ts ON transactions(email, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_transactions_ip ON transactions(ip);
CREATE INDEX IF NOT EXISTS idx_transactions_card_bin ON transactions(card_bin);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    transaction_id TEXT PRIMARY KEY REFERENCES transactions(id),
    score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 100),
    labels TEXT NOT NULL,
    flagged INTEGER NOT NULL DEFAULT 0,
    evaluated_at_ns BIGINT NOT NULL
);
`

// schemaFraudAlerts defines the alert ledger.
// The UNIQUE constraint on transaction_id is what guarantees at most one
// alert per transaction across processes.
const schemaFraudAlerts = `
CREATE TABLE IF NOT EXISTS fraud_alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
    score INTEGER NOT NULL CHECK (score BETWEEN 0 AND 100),
    labels TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'NEEDS_REVIEW' CHECK (status IN ('NEEDS_REVIEW', 'INVESTIGATED', 'CONFIRMED_FRAUD', 'CLEARED')),
    created_at_ns BIGINT NOT NULL,
    updated_at_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status ON fraud_alerts(status);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_created ON fraud_alerts(created_at_ns);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_score ON fraud_alerts(score);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaEvaluations,
		schemaFraudAlerts,
	}
}
