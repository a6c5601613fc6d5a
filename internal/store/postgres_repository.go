/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for users, print jobs, the
 * wallet ledger and the recharge idempotency table.
 *
 * Money movements are never split across commits: a wallet mutation and
 * its ledger row land in the same database transaction, and job
 * operations that move money (prepaid submission, cancellation refund,
 * postpaid collection) fold the wallet work into the job's transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusprint/print-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db             *pgxpool.Pool
	idempotencyTTL time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SetRechargeIdempotencyTTL bounds how long a recharge idempotency key is
// honoured. A key older than the TTL is reclaimed and the request treated as
// a fresh recharge. A zero TTL keeps keys forever.
func (r *PostgresRepository) SetRechargeIdempotencyTTL(ttl time.Duration) {
	r.idempotencyTTL = ttl
}

const userColumns = `user_id, username, password_hash, full_name, email, role, wallet_balance, is_active, created_at, last_login`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.FullName,
		&user.Email,
		&user.Role,
		&user.WalletBalance,
		&user.Active,
		&user.CreatedAt,
		&user.LastLogin,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a new user row. A duplicate username maps to ErrUsernameTaken.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (user_id, username, password_hash, full_name, email, role, wallet_balance, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		user.ID, user.Username, user.PasswordHash, user.FullName, user.Email,
		user.Role, user.WalletBalance, user.Active, user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE user_id = $1`
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

// FindUserByUsername retrieves a user from the database by their username.
func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(btrim(username)) = lower(btrim($1))`
	return scanUser(r.db.QueryRow(ctx, query, username))
}

// RecordLogin stamps the user's last successful login time.
func (r *PostgresRepository) RecordLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	result, err := r.db.Exec(ctx, `UPDATE users SET last_login = $1 WHERE user_id = $2`, at, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// applyWalletEntryTx locks the user's wallet row, validates the movement and
// writes the ledger row, all inside the caller's transaction. On success the
// entry's BalanceBefore/BalanceAfter fields are filled in.
func applyWalletEntryTx(ctx context.Context, tx pgx.Tx, entry *domain.Transaction) error {
	if entry.Amount <= 0 {
		return ErrInvalidAmount
	}

	var balance int64
	var active bool
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err := tx.QueryRow(ctx, `SELECT wallet_balance, is_active FROM users WHERE user_id = $1 FOR UPDATE`, entry.UserID).
		Scan(&balance, &active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to lock wallet row: %w", err)
	}
	if !active {
		return ErrUserNotFound
	}

	delta := entry.SignedAmount()
	if balance+delta < 0 {
		return ErrInsufficientFunds
	}

	entry.BalanceBefore = balance
	entry.BalanceAfter = balance + delta

	_, err = tx.Exec(ctx, `UPDATE users SET wallet_balance = $1 WHERE user_id = $2`, entry.BalanceAfter, entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}

	insert := `
		INSERT INTO transactions (transaction_id, user_id, job_id, transaction_type, amount, balance_before, balance_after, created_at, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.Exec(ctx, insert,
		entry.ID, entry.UserID, entry.JobID, entry.Type, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.CreatedAt, entry.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ApplyWalletEntry applies a single wallet movement atomically. When a
// non-empty idempotencyKey is given the key is reserved first; a replayed key
// returns the originally recorded entry with replayed=true and moves no money.
func (r *PostgresRepository) ApplyWalletEntry(ctx context.Context, entry *domain.Transaction, idempotencyKey string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		// Reserve the key. If another request already holds it, inspect the
		// recorded outcome under a row lock and replay it.
		reserve := `
			INSERT INTO recharge_idempotency (user_id, idempotency_key, amount, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (user_id, idempotency_key) DO NOTHING
		`
		result, err := tx.Exec(ctx, reserve, entry.UserID, idempotencyKey, entry.Amount)
		if err != nil {
			return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if result.RowsAffected() == 0 {
			var amount int64
			var transactionID *uuid.UUID
			var reservedAt time.Time
			inspect := `
				SELECT amount, transaction_id, created_at
				FROM recharge_idempotency
				WHERE user_id = $1 AND idempotency_key = $2
				FOR UPDATE
			`
			if err := tx.QueryRow(ctx, inspect, entry.UserID, idempotencyKey).Scan(&amount, &transactionID, &reservedAt); err != nil {
				return false, fmt.Errorf("failed to inspect idempotency key: %w", err)
			}
			if r.idempotencyTTL > 0 && time.Since(reservedAt) > r.idempotencyTTL {
				// The key outlived its retention window. Reclaim the row and
				// treat the request as a fresh recharge.
				reclaim := `
					UPDATE recharge_idempotency SET amount = $1, transaction_id = NULL, created_at = NOW()
					WHERE user_id = $2 AND idempotency_key = $3
				`
				if _, err := tx.Exec(ctx, reclaim, entry.Amount, entry.UserID, idempotencyKey); err != nil {
					return false, fmt.Errorf("failed to reclaim stale idempotency key: %w", err)
				}
			} else {
				if amount != entry.Amount {
					return false, ErrIdempotencyConflict
				}
				if transactionID == nil {
					// Reserved by a request that has not committed its ledger row.
					return false, ErrRechargeInProgress
				}
				recorded := `
					SELECT transaction_id, user_id, job_id, transaction_type, amount, balance_before, balance_after, created_at, description
					FROM transactions
					WHERE transaction_id = $1
				`
				err := tx.QueryRow(ctx, recorded, *transactionID).Scan(
					&entry.ID, &entry.UserID, &entry.JobID, &entry.Type, &entry.Amount,
					&entry.BalanceBefore, &entry.BalanceAfter, &entry.CreatedAt, &entry.Description,
				)
				if err != nil {
					return false, fmt.Errorf("failed to load recorded recharge: %w", err)
				}
				return true, tx.Commit(ctx)
			}
		}
	}

	if err := applyWalletEntryTx(ctx, tx, entry); err != nil {
		return false, err
	}

	if idempotencyKey != "" {
		update := `
			UPDATE recharge_idempotency SET transaction_id = $1
			WHERE user_id = $2 AND idempotency_key = $3
		`
		if _, err := tx.Exec(ctx, update, entry.ID, entry.UserID, idempotencyKey); err != nil {
			return false, fmt.Errorf("failed to record idempotency outcome: %w", err)
		}
	}

	return false, tx.Commit(ctx)
}

// WalletBalance returns the user's current wallet balance.
func (r *PostgresRepository) WalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT wallet_balance FROM users WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return balance, nil
}

// ListTransactionsByUser returns the user's ledger entries, newest first.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error) {
	query := `
		SELECT transaction_id, user_id, job_id, transaction_type, amount, balance_before, balance_after, created_at, description
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, transaction_id DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Transaction
	for rows.Next() {
		var entry domain.Transaction
		err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.JobID, &entry.Type, &entry.Amount,
			&entry.BalanceBefore, &entry.BalanceAfter, &entry.CreatedAt, &entry.Description,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const jobColumns = `job_id, user_id, document_name, document_path, page_count, num_copies, total_cost, job_status, payment_status, payment_type, submitted_at, started_at, completed_at, operator_id, notes`

func scanJob(row pgx.Row) (*domain.PrintJob, error) {
	var job domain.PrintJob
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.DocumentName,
		&job.DocumentPath,
		&job.PageCount,
		&job.NumCopies,
		&job.TotalCost,
		&job.JobStatus,
		&job.PaymentStatus,
		&job.PaymentType,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.OperatorID,
		&job.Notes,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

func insertJobTx(ctx context.Context, tx pgx.Tx, job *domain.PrintJob) error {
	query := `
		INSERT INTO print_jobs (job_id, user_id, document_name, document_content, document_path, page_count, num_copies, total_cost, job_status, payment_status, payment_type, submitted_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := tx.Exec(ctx, query,
		job.ID, job.UserID, job.DocumentName, job.DocumentContent, job.DocumentPath,
		job.PageCount, job.NumCopies, job.TotalCost, job.JobStatus,
		job.PaymentStatus, job.PaymentType, job.SubmittedAt, job.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert print job: %w", err)
	}
	return nil
}

// CreatePrintJob inserts a job with no wallet movement (postpaid submission).
func (r *PostgresRepository) CreatePrintJob(ctx context.Context, job *domain.PrintJob) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreatePrintJobWithPayment inserts a job and debits the submitter's wallet
// in the same commit. If the debit fails no job row survives.
func (r *PostgresRepository) CreatePrintJobWithPayment(ctx context.Context, job *domain.PrintJob, payment *domain.Transaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	if err := applyWalletEntryTx(ctx, tx, payment); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindJobByID retrieves a single print job by its ID.
func (r *PostgresRepository) FindJobByID(ctx context.Context, jobID uuid.UUID) (*domain.PrintJob, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs WHERE job_id = $1`
	return scanJob(r.db.QueryRow(ctx, query, jobID))
}

func lockJobTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*domain.PrintJob, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs WHERE job_id = $1 FOR UPDATE`
	return scanJob(tx.QueryRow(ctx, query, jobID))
}

func updateJobTx(ctx context.Context, tx pgx.Tx, job *domain.PrintJob) error {
	query := `
		UPDATE print_jobs
		SET job_status = $1, payment_status = $2, started_at = $3, completed_at = $4, operator_id = $5
		WHERE job_id = $6
	`
	_, err := tx.Exec(ctx, query,
		job.JobStatus, job.PaymentStatus, job.StartedAt, job.CompletedAt, job.OperatorID, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update print job: %w", err)
	}
	return nil
}

// TransitionJob moves a job to the target status atomically. The job row is
// locked first so the lifecycle check and the write cannot interleave with a
// concurrent transition. A cancellation of a paid job refunds the wallet in
// the same commit and the refund ledger entry is returned.
func (r *PostgresRepository) TransitionJob(ctx context.Context, jobID uuid.UUID, target domain.JobStatus, operatorID uuid.UUID, now time.Time) (*domain.PrintJob, *domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJobTx(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}

	plan, err := domain.PlanTransition(job, target, operatorID, now)
	if err != nil {
		return nil, nil, err
	}

	job.JobStatus = plan.Status
	job.PaymentStatus = plan.PaymentStatus
	if plan.StartedAt != nil {
		job.StartedAt = plan.StartedAt
	}
	if plan.CompletedAt != nil {
		job.CompletedAt = plan.CompletedAt
	}
	op := plan.OperatorID
	job.OperatorID = &op

	var refund *domain.Transaction
	if plan.Refund {
		refund = &domain.Transaction{
			ID:          uuid.New(),
			UserID:      job.UserID,
			JobID:       &job.ID,
			Type:        domain.TransactionRefund,
			Amount:      job.TotalCost,
			CreatedAt:   now,
			Description: fmt.Sprintf("Refund for cancelled print job %q", job.DocumentName),
		}
		if err := applyWalletEntryTx(ctx, tx, refund); err != nil {
			return nil, nil, err
		}
	}

	if err := updateJobTx(ctx, tx, job); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return job, refund, nil
}

// CollectJobPayment debits the submitter's wallet for a postpaid job and
// marks the job paid, in one commit. An insufficient balance leaves the job
// unpaid and the wallet untouched.
func (r *PostgresRepository) CollectJobPayment(ctx context.Context, jobID uuid.UUID, operatorID uuid.UUID, now time.Time) (*domain.PrintJob, *domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJobTx(ctx, tx, jobID)
	if err != nil {
		return nil, nil, err
	}

	if err := domain.PlanPaymentCollection(job); err != nil {
		return nil, nil, err
	}

	payment := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      job.UserID,
		JobID:       &job.ID,
		Type:        domain.TransactionPayment,
		Amount:      job.TotalCost,
		CreatedAt:   now,
		Description: fmt.Sprintf("Payment collected for print job %q", job.DocumentName),
	}
	if err := applyWalletEntryTx(ctx, tx, payment); err != nil {
		return nil, nil, err
	}

	job.PaymentStatus = domain.PaymentPaid
	job.OperatorID = &operatorID
	if err := updateJobTx(ctx, tx, job); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return job, payment, nil
}

const queuePositionExpr = `(
	SELECT COUNT(*)
	FROM print_jobs pj2
	WHERE pj2.job_status IN ('PENDING', 'PROCESSING')
	  AND (pj2.submitted_at, pj2.job_id) < (pj.submitted_at, pj.job_id)
) + 1`

func queryQueuedJobs(ctx context.Context, db *pgxpool.Pool, query string, args ...any) ([]domain.QueuedJob, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queued []domain.QueuedJob
	for rows.Next() {
		var q domain.QueuedJob
		err := rows.Scan(
			&q.Job.ID, &q.Job.UserID, &q.Job.DocumentName, &q.Job.DocumentPath,
			&q.Job.PageCount, &q.Job.NumCopies, &q.Job.TotalCost,
			&q.Job.JobStatus, &q.Job.PaymentStatus, &q.Job.PaymentType,
			&q.Job.SubmittedAt, &q.Job.StartedAt, &q.Job.CompletedAt,
			&q.Job.OperatorID, &q.Job.Notes,
			&q.Position,
		)
		if err != nil {
			return nil, err
		}
		queued = append(queued, q)
	}
	return queued, rows.Err()
}

// ListQueue returns all active jobs in service order with their positions.
// A single statement computes the positions, so the listing is a consistent
// snapshot of the queue.
func (r *PostgresRepository) ListQueue(ctx context.Context) ([]domain.QueuedJob, error) {
	query := `
		SELECT ` + jobColumnsAliased + `, ` + queuePositionExpr + ` AS queue_position
		FROM print_jobs pj
		WHERE pj.job_status IN ('PENDING', 'PROCESSING')
		ORDER BY pj.submitted_at ASC, pj.job_id ASC
	`
	return queryQueuedJobs(ctx, r.db, query)
}

// ListActiveJobsByUser returns one user's active jobs with their positions in
// the overall queue.
func (r *PostgresRepository) ListActiveJobsByUser(ctx context.Context, userID uuid.UUID) ([]domain.QueuedJob, error) {
	query := `
		SELECT ` + jobColumnsAliased + `, ` + queuePositionExpr + ` AS queue_position
		FROM print_jobs pj
		WHERE pj.job_status IN ('PENDING', 'PROCESSING') AND pj.user_id = $1
		ORDER BY pj.submitted_at ASC, pj.job_id ASC
	`
	return queryQueuedJobs(ctx, r.db, query, userID)
}

const jobColumnsAliased = `pj.job_id, pj.user_id, pj.document_name, pj.document_path, pj.page_count, pj.num_copies, pj.total_cost, pj.job_status, pj.payment_status, pj.payment_type, pj.submitted_at, pj.started_at, pj.completed_at, pj.operator_id, pj.notes`

func (r *PostgresRepository) queryJobs(ctx context.Context, query string, args ...any) ([]domain.PrintJob, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.PrintJob
	for rows.Next() {
		var job domain.PrintJob
		err := rows.Scan(
			&job.ID, &job.UserID, &job.DocumentName, &job.DocumentPath,
			&job.PageCount, &job.NumCopies, &job.TotalCost,
			&job.JobStatus, &job.PaymentStatus, &job.PaymentType,
			&job.SubmittedAt, &job.StartedAt, &job.CompletedAt,
			&job.OperatorID, &job.Notes,
		)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobsByUser returns every job a user has ever submitted, newest first.
func (r *PostgresRepository) ListJobsByUser(ctx context.Context, userID uuid.UUID) ([]domain.PrintJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE user_id = $1
		ORDER BY submitted_at DESC, job_id DESC
	`
	return r.queryJobs(ctx, query, userID)
}

// ListCompletedJobs returns completed jobs across all users, newest first.
func (r *PostgresRepository) ListCompletedJobs(ctx context.Context) ([]domain.PrintJob, error) {
	query := `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE job_status = 'COMPLETED'
		ORDER BY completed_at DESC, job_id DESC
	`
	return r.queryJobs(ctx, query)
}
