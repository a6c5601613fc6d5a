/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the print-service. Defining an
 * interface decouples the business logic from the specific implementation
 * (PostgreSQL in production, an in-process store for single-node setups and
 * tests), making the code modular and easy to test.
 *
 * The wallet- and job-mutating methods are deliberately coarse: each one is
 * a single atomic unit (balance read-modify-write plus ledger append, or
 * job insert plus prepaid debit), because the guarantee is that those
 * effects commit together or not at all.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/campusprint/print-service/internal/domain"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrJobNotFound       = errors.New("print job not found")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned when a ledger entry carries a
	// non-positive amount. Every ledger row moves a strictly positive
	// amount; the entry type alone determines the sign.
	ErrInvalidAmount = errors.New("ledger amount must be positive")

	// ErrIdempotencyConflict is returned when an Idempotency-Key is replayed
	// with a different amount than the one it was first used for.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")

	// ErrRechargeInProgress is returned when an Idempotency-Key is replayed
	// while the original recharge has not finished committing.
	ErrRechargeInProgress = errors.New("recharge with this idempotency key is in progress")
)

// Repository defines the set of methods for interacting with the data store.
type Repository interface {
	// User methods
	CreateUser(ctx context.Context, user *domain.User) error
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	RecordLogin(ctx context.Context, userID uuid.UUID, at time.Time) error

	// Wallet methods. ApplyWalletEntry performs one atomic balance mutation:
	// it serializes against other mutations of the same user, validates
	// funds for PAYMENT entries, fills in BalanceBefore/BalanceAfter,
	// persists the new balance and appends the ledger row in one commit. A non-empty idempotencyKey makes the operation replay-safe:
	// if the key has been used before for this user, the previously recorded
	// entry is loaded into entry and replayed=true is returned with no new
	// mutation.
	ApplyWalletEntry(ctx context.Context, entry *domain.Transaction, idempotencyKey string) (replayed bool, err error)
	WalletBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error)

	// Print job methods. CreatePrintJobWithPayment commits the job insert
	// and the prepaid debit together; a failed debit leaves no job behind.
	CreatePrintJob(ctx context.Context, job *domain.PrintJob) error
	CreatePrintJobWithPayment(ctx context.Context, job *domain.PrintJob, payment *domain.Transaction) error
	FindJobByID(ctx context.Context, jobID uuid.UUID) (*domain.PrintJob, error)

	// TransitionJob serializes per job: it loads the job under an exclusive
	// lock, validates the transition via domain.PlanTransition against the
	// then-current state, performs the refund credit when the plan demands
	// one, and persists everything in one commit. The updated job and the
	// refund entry (nil when no refund happened) are returned.
	TransitionJob(ctx context.Context, jobID uuid.UUID, target domain.JobStatus, operatorID uuid.UUID, now time.Time) (*domain.PrintJob, *domain.Transaction, error)

	// CollectJobPayment debits the owner's wallet for an unpaid postpaid
	// job and flips its payment status to PAID in the same commit.
	CollectJobPayment(ctx context.Context, jobID uuid.UUID, operatorID uuid.UUID, now time.Time) (*domain.PrintJob, *domain.Transaction, error)

	// Queue methods. Listings with positions are computed from one
	// consistent snapshot; position and listing never come from two reads
	// racing a concurrent insert or transition.
	ListQueue(ctx context.Context) ([]domain.QueuedJob, error)
	ListActiveJobsByUser(ctx context.Context, userID uuid.UUID) ([]domain.QueuedJob, error)
	ListJobsByUser(ctx context.Context, userID uuid.UUID) ([]domain.PrintJob, error)
	ListCompletedJobs(ctx context.Context) ([]domain.PrintJob, error)
}
