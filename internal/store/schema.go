package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Database schema for the energy market. Dates are canonical YYYY-MM-DD
// text so range filters compare lexically, matching the memory store.

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    email TEXT UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL CHECK (role IN ('producer', 'consumer', 'admin')),
    credit NUMERIC(20,4) NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createProducersTable = `
CREATE TABLE IF NOT EXISTS producers (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL UNIQUE REFERENCES users(id),
    energy_type TEXT NOT NULL CHECK (energy_type IN ('Fossile', 'Eolico', 'Fotovoltaico')),
    co2_per_kwh NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (co2_per_kwh >= 0),
    price_per_kwh NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (price_per_kwh >= 0),
    default_max_per_hour_kwh NUMERIC(20,3) NOT NULL DEFAULT 0 CHECK (default_max_per_hour_kwh >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createSlotsTable = `
CREATE TABLE IF NOT EXISTS slots (
    id BIGSERIAL PRIMARY KEY,
    producer_id BIGINT NOT NULL REFERENCES producers(id),
    date TEXT NOT NULL,
    hour SMALLINT NOT NULL CHECK (hour BETWEEN 0 AND 23),
    max_capacity_kwh NUMERIC(20,3) NOT NULL DEFAULT 0 CHECK (max_capacity_kwh >= 0),
    price_per_kwh NUMERIC(20,6) NOT NULL DEFAULT 0 CHECK (price_per_kwh >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (producer_id, date, hour)
);
`

const createReservationsTable = `
CREATE TABLE IF NOT EXISTS reservations (
    id BIGSERIAL PRIMARY KEY,
    consumer_id BIGINT NOT NULL REFERENCES users(id),
    producer_id BIGINT NOT NULL REFERENCES producers(id),
    date TEXT NOT NULL,
    hour SMALLINT NOT NULL CHECK (hour BETWEEN 0 AND 23),
    kwh NUMERIC(20,3) NOT NULL CHECK (kwh >= 0),
    unit_price NUMERIC(20,6) NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('reserved', 'cancelled', 'confirmed')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createLedgerEntriesTable = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    seq BIGSERIAL,
    id UUID PRIMARY KEY,
    consumer_id BIGINT NOT NULL REFERENCES users(id),
    reservation_id BIGINT NOT NULL,
    reason TEXT NOT NULL CHECK (reason IN ('charge', 'adjust', 'refund', 'prorata_refund')),
    delta NUMERIC(20,4) NOT NULL,
    balance_after NUMERIC(20,4) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Upgrades for databases created by earlier versions of the schema.
const alterExisting = `
ALTER TABLE users ALTER COLUMN email DROP NOT NULL;
ALTER TABLE ledger_entries ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_reservations_slot ON reservations (producer_id, date, hour) WHERE status = 'reserved';
CREATE INDEX IF NOT EXISTS idx_reservations_consumer ON reservations (consumer_id, date, hour);
DROP INDEX IF EXISTS idx_ledger_consumer;
CREATE INDEX IF NOT EXISTS idx_ledger_consumer_seq ON ledger_entries (consumer_id, seq);
`

var schema = []string{
	createUsersTable,
	createProducersTable,
	createSlotsTable,
	createReservationsTable,
	createLedgerEntriesTable,
	alterExisting,
	createIndexes,
}

// Migrate creates missing tables and indexes. Safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
