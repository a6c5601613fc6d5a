/**
 * @description
 * Schema bootstrap for the print-service. The statements are idempotent
 * (CREATE ... IF NOT EXISTS) and run once at startup against the
 * configured PostgreSQL database.
 *
 * The `wallet_balance >= 0` check is the database-level backstop for the
 * no-negative-balance invariant; the repository enforces it before the
 * write, so tripping the constraint indicates a bug, not a user error.
 */

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id        UUID PRIMARY KEY,
		username       TEXT NOT NULL UNIQUE,
		password_hash  TEXT NOT NULL,
		full_name      TEXT NOT NULL DEFAULT '',
		email          TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT 'STUDENT',
		wallet_balance BIGINT NOT NULL DEFAULT 0 CHECK (wallet_balance >= 0),
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login     TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS print_jobs (
		job_id           UUID PRIMARY KEY,
		user_id          UUID NOT NULL REFERENCES users(user_id),
		document_name    TEXT NOT NULL,
		document_content BYTEA,
		document_path    TEXT NOT NULL DEFAULT '',
		page_count       INT NOT NULL CHECK (page_count > 0),
		num_copies       INT NOT NULL CHECK (num_copies > 0),
		total_cost       BIGINT NOT NULL CHECK (total_cost >= 0),
		job_status       TEXT NOT NULL,
		payment_status   TEXT NOT NULL,
		payment_type     TEXT NOT NULL,
		submitted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ,
		operator_id      UUID REFERENCES users(user_id),
		notes            TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_print_jobs_active_queue
		ON print_jobs (submitted_at, job_id)
		WHERE job_status IN ('PENDING', 'PROCESSING')`,

	`CREATE INDEX IF NOT EXISTS idx_print_jobs_user
		ON print_jobs (user_id, submitted_at DESC)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		transaction_id   UUID PRIMARY KEY,
		user_id          UUID NOT NULL REFERENCES users(user_id),
		job_id           UUID REFERENCES print_jobs(job_id),
		transaction_type TEXT NOT NULL,
		amount           BIGINT NOT NULL CHECK (amount > 0),
		balance_before   BIGINT NOT NULL,
		balance_after    BIGINT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		description      TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS recharge_idempotency (
		user_id         UUID NOT NULL REFERENCES users(user_id),
		idempotency_key TEXT NOT NULL,
		amount          BIGINT NOT NULL,
		transaction_id  UUID REFERENCES transactions(transaction_id),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, idempotency_key)
	)`,
}

// Migrate applies the schema statements in order.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
