/**
 * @description
 * In-process implementation of the `Repository` interface. It backs the
 * service when no DATABASE_URL is configured (local development, demos)
 * and gives the test suite a real store without a running PostgreSQL.
 *
 * A single mutex serializes every operation, which makes the atomicity
 * guarantees trivial: a wallet mutation and its ledger row, or a job
 * write and its refund, happen under one critical section. Queue
 * listings are computed inside the same section, so they are consistent
 * snapshots.
 */

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusprint/print-service/internal/domain"
)

type rechargeRecord struct {
	amount        int64
	transactionID uuid.UUID
	reservedAt    time.Time
}

// MemoryRepository is an in-process implementation of the Repository interface.
type MemoryRepository struct {
	mu             sync.RWMutex
	users          map[uuid.UUID]*domain.User
	usernames      map[string]uuid.UUID
	jobs           map[uuid.UUID]*domain.PrintJob
	transactions   []domain.Transaction
	recharges      map[uuid.UUID]map[string]rechargeRecord
	idempotencyTTL time.Duration
}

// NewMemoryRepository creates an empty in-process store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[uuid.UUID]*domain.User),
		usernames: make(map[string]uuid.UUID),
		jobs:      make(map[uuid.UUID]*domain.PrintJob),
		recharges: make(map[uuid.UUID]map[string]rechargeRecord),
	}
}

// SetRechargeIdempotencyTTL bounds how long a recharge idempotency key is
// honoured. Keys older than the TTL are treated as fresh submissions. A zero
// TTL keeps keys forever.
func (r *MemoryRepository) SetRechargeIdempotencyTTL(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idempotencyTTL = ttl
}

func usernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func copyUser(u *domain.User) *domain.User {
	c := *u
	return &c
}

// copyJob deep-copies the document bytes: ownership of the content passes
// to the store at submission, so a caller mutating its own buffer later
// must not reach the stored document.
func copyJob(j *domain.PrintJob) *domain.PrintJob {
	c := *j
	if j.DocumentContent != nil {
		c.DocumentContent = append([]byte(nil), j.DocumentContent...)
	}
	return &c
}

// CreateUser registers a user. The username is unique case-insensitively.
func (r *MemoryRepository) CreateUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := usernameKey(user.Username)
	if _, exists := r.usernames[key]; exists {
		return ErrUsernameTaken
	}
	r.usernames[key] = user.ID
	r.users[user.ID] = copyUser(user)
	return nil
}

func (r *MemoryRepository) FindUserByID(_ context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(user), nil
}

func (r *MemoryRepository) FindUserByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.usernames[usernameKey(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(r.users[id]), nil
}

func (r *MemoryRepository) RecordLogin(_ context.Context, userID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	t := at
	user.LastLogin = &t
	return nil
}

// applyWalletEntryLocked mutates the balance and appends the ledger row.
// Caller holds the write lock.
func (r *MemoryRepository) applyWalletEntryLocked(entry *domain.Transaction) error {
	if entry.Amount <= 0 {
		return ErrInvalidAmount
	}

	user, ok := r.users[entry.UserID]
	if !ok || !user.Active {
		return ErrUserNotFound
	}

	delta := entry.SignedAmount()
	if user.WalletBalance+delta < 0 {
		return ErrInsufficientFunds
	}

	entry.BalanceBefore = user.WalletBalance
	entry.BalanceAfter = user.WalletBalance + delta
	user.WalletBalance = entry.BalanceAfter

	r.transactions = append(r.transactions, *entry)
	return nil
}

func (r *MemoryRepository) ApplyWalletEntry(_ context.Context, entry *domain.Transaction, idempotencyKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idempotencyKey != "" {
		keys := r.recharges[entry.UserID]
		if keys == nil {
			keys = make(map[string]rechargeRecord)
			r.recharges[entry.UserID] = keys
		}
		record, seen := keys[idempotencyKey]
		if seen && r.idempotencyTTL > 0 && time.Since(record.reservedAt) > r.idempotencyTTL {
			delete(keys, idempotencyKey)
			seen = false
		}
		if seen {
			if record.amount != entry.Amount {
				return false, ErrIdempotencyConflict
			}
			for i := range r.transactions {
				if r.transactions[i].ID == record.transactionID {
					*entry = r.transactions[i]
					return true, nil
				}
			}
			return false, ErrRechargeInProgress
		}
		if err := r.applyWalletEntryLocked(entry); err != nil {
			return false, err
		}
		keys[idempotencyKey] = rechargeRecord{amount: entry.Amount, transactionID: entry.ID, reservedAt: time.Now()}
		return false, nil
	}

	return false, r.applyWalletEntryLocked(entry)
}

func (r *MemoryRepository) WalletBalance(_ context.Context, userID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return user.WalletBalance, nil
}

func (r *MemoryRepository) ListTransactionsByUser(_ context.Context, userID uuid.UUID) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []domain.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if r.transactions[i].UserID == userID {
			entries = append(entries, r.transactions[i])
		}
	}
	return entries, nil
}

func (r *MemoryRepository) CreatePrintJob(_ context.Context, job *domain.PrintJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = copyJob(job)
	return nil
}

func (r *MemoryRepository) CreatePrintJobWithPayment(_ context.Context, job *domain.PrintJob, payment *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.applyWalletEntryLocked(payment); err != nil {
		return err
	}
	r.jobs[job.ID] = copyJob(job)
	return nil
}

func (r *MemoryRepository) FindJobByID(_ context.Context, jobID uuid.UUID) (*domain.PrintJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

func (r *MemoryRepository) TransitionJob(_ context.Context, jobID uuid.UUID, target domain.JobStatus, operatorID uuid.UUID, now time.Time) (*domain.PrintJob, *domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	plan, err := domain.PlanTransition(job, target, operatorID, now)
	if err != nil {
		return nil, nil, err
	}

	var refund *domain.Transaction
	if plan.Refund {
		refund = &domain.Transaction{
			ID:          uuid.New(),
			UserID:      job.UserID,
			JobID:       &job.ID,
			Type:        domain.TransactionRefund,
			Amount:      job.TotalCost,
			CreatedAt:   now,
			Description: "Refund for cancelled print job " + job.DocumentName,
		}
		if err := r.applyWalletEntryLocked(refund); err != nil {
			return nil, nil, err
		}
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
	return copyJob(job), refund, nil
}

func (r *MemoryRepository) CollectJobPayment(_ context.Context, jobID uuid.UUID, operatorID uuid.UUID, now time.Time) (*domain.PrintJob, *domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, nil, ErrJobNotFound
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
		Description: "Payment collected for print job " + job.DocumentName,
	}
	if err := r.applyWalletEntryLocked(payment); err != nil {
		return nil, nil, err
	}

	job.PaymentStatus = domain.PaymentPaid
	op := operatorID
	job.OperatorID = &op
	return copyJob(job), payment, nil
}

// activeJobsLocked returns active jobs in service order. Caller holds a lock.
func (r *MemoryRepository) activeJobsLocked() []*domain.PrintJob {
	var active []*domain.PrintJob
	for _, job := range r.jobs {
		if job.JobStatus == domain.JobPending || job.JobStatus == domain.JobProcessing {
			active = append(active, job)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].SubmittedAt.Equal(active[j].SubmittedAt) {
			return active[i].SubmittedAt.Before(active[j].SubmittedAt)
		}
		return active[i].ID.String() < active[j].ID.String()
	})
	return active
}

func (r *MemoryRepository) ListQueue(_ context.Context) ([]domain.QueuedJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var queued []domain.QueuedJob
	for i, job := range r.activeJobsLocked() {
		queued = append(queued, domain.QueuedJob{Job: *copyJob(job), Position: i + 1})
	}
	return queued, nil
}

func (r *MemoryRepository) ListActiveJobsByUser(_ context.Context, userID uuid.UUID) ([]domain.QueuedJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var queued []domain.QueuedJob
	for i, job := range r.activeJobsLocked() {
		if job.UserID == userID {
			queued = append(queued, domain.QueuedJob{Job: *copyJob(job), Position: i + 1})
		}
	}
	return queued, nil
}

func (r *MemoryRepository) ListJobsByUser(_ context.Context, userID uuid.UUID) ([]domain.PrintJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var jobs []domain.PrintJob
	for _, job := range r.jobs {
		if job.UserID == userID {
			jobs = append(jobs, *copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

func (r *MemoryRepository) ListCompletedJobs(_ context.Context) ([]domain.PrintJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var jobs []domain.PrintJob
	for _, job := range r.jobs {
		if job.JobStatus == domain.JobCompleted {
			jobs = append(jobs, *copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].CompletedAt, jobs[j].CompletedAt
		if a == nil || b == nil {
			return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
		}
		return a.After(*b)
	})
	return jobs, nil
}
