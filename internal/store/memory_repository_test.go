package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campusprint/print-service/internal/domain"
)

func newTestUser(t *testing.T, repo *MemoryRepository, balance int64) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:            uuid.New(),
		Username:      "u-" + uuid.NewString()[:8],
		PasswordHash:  "x",
		Role:          domain.RoleStudent,
		WalletBalance: balance,
		Active:        true,
		CreatedAt:     time.Now(),
	}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

func newTestJob(user *domain.User, status domain.JobStatus, payment domain.PaymentStatus, submittedAt time.Time) *domain.PrintJob {
	return &domain.PrintJob{
		ID:            uuid.New(),
		UserID:        user.ID,
		DocumentName:  "notes.pdf",
		PageCount:     4,
		NumCopies:     5,
		TotalCost:     4000,
		JobStatus:     status,
		PaymentStatus: payment,
		PaymentType:   domain.PaymentPrepaid,
		SubmittedAt:   submittedAt,
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 0)

	dup := &domain.User{ID: uuid.New(), Username: "  " + user.Username + " ", Active: true}
	if err := repo.CreateUser(context.Background(), dup); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestConcurrentRecharges(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := &domain.Transaction{
				ID:        uuid.New(),
				UserID:    user.ID,
				Type:      domain.TransactionRecharge,
				Amount:    1000,
				CreatedAt: time.Now(),
			}
			if _, err := repo.ApplyWalletEntry(context.Background(), entry, ""); err != nil {
				t.Errorf("ApplyWalletEntry: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, err := repo.WalletBalance(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("WalletBalance: %v", err)
	}
	if balance != 5000 {
		t.Fatalf("expected balance 5000 after 5 concurrent recharges, got %d", balance)
	}

	entries, err := repo.ListTransactionsByUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ListTransactionsByUser: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 ledger entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.BalanceAfter != entry.BalanceBefore+entry.SignedAmount() {
			t.Fatalf("ledger entry does not balance: before=%d after=%d amount=%d",
				entry.BalanceBefore, entry.BalanceAfter, entry.Amount)
		}
	}
}

func TestRechargeIdempotencyReplay(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 0)

	first := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		Type:      domain.TransactionRecharge,
		Amount:    2500,
		CreatedAt: time.Now(),
	}
	replayed, err := repo.ApplyWalletEntry(context.Background(), first, "topup-1")
	if err != nil {
		t.Fatalf("first recharge: %v", err)
	}
	if replayed {
		t.Fatal("first recharge reported as replay")
	}

	second := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		Type:      domain.TransactionRecharge,
		Amount:    2500,
		CreatedAt: time.Now(),
	}
	replayed, err = repo.ApplyWalletEntry(context.Background(), second, "topup-1")
	if err != nil {
		t.Fatalf("replayed recharge: %v", err)
	}
	if !replayed {
		t.Fatal("duplicate key did not report replay")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different entry: %s vs %s", second.ID, first.ID)
	}

	balance, _ := repo.WalletBalance(context.Background(), user.ID)
	if balance != 2500 {
		t.Fatalf("duplicate recharge moved money: balance %d", balance)
	}

	// Same key with a different amount is a caller bug, not a replay.
	conflicting := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		Type:      domain.TransactionRecharge,
		Amount:    9999,
		CreatedAt: time.Now(),
	}
	if _, err := repo.ApplyWalletEntry(context.Background(), conflicting, "topup-1"); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestRechargeIdempotencyKeyExpires(t *testing.T) {
	repo := NewMemoryRepository()
	repo.SetRechargeIdempotencyTTL(time.Nanosecond)
	user := newTestUser(t, repo, 0)

	first := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		Type:      domain.TransactionRecharge,
		Amount:    2500,
		CreatedAt: time.Now(),
	}
	if _, err := repo.ApplyWalletEntry(context.Background(), first, "topup-1"); err != nil {
		t.Fatalf("first recharge: %v", err)
	}

	time.Sleep(time.Millisecond)

	// After expiry the key is free again, so a different amount is a fresh
	// recharge rather than a conflict.
	second := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		Type:      domain.TransactionRecharge,
		Amount:    9999,
		CreatedAt: time.Now(),
	}
	replayed, err := repo.ApplyWalletEntry(context.Background(), second, "topup-1")
	if err != nil {
		t.Fatalf("recharge after expiry: %v", err)
	}
	if replayed {
		t.Fatal("expired key reported as replay")
	}

	balance, _ := repo.WalletBalance(context.Background(), user.ID)
	if balance != 12499 {
		t.Fatalf("expected both recharges credited, balance %d", balance)
	}
}

func TestApplyWalletEntryRejectsNonPositiveAmount(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 5000)

	for _, amount := range []int64{0, -4000} {
		entry := &domain.Transaction{
			ID:        uuid.New(),
			UserID:    user.ID,
			Type:      domain.TransactionPayment,
			Amount:    amount,
			CreatedAt: time.Now(),
		}
		if _, err := repo.ApplyWalletEntry(context.Background(), entry, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}

	// A negative payment flips sign through the ledger math, so letting it
	// through would credit the wallet. Balance and ledger must be untouched.
	balance, _ := repo.WalletBalance(context.Background(), user.ID)
	if balance != 5000 {
		t.Fatalf("rejected entries moved money: balance %d", balance)
	}
	entries, _ := repo.ListTransactionsByUser(context.Background(), user.ID)
	if len(entries) != 0 {
		t.Fatalf("rejected entries left %d ledger rows", len(entries))
	}
}

func TestStoredDocumentNotAliasedToCallerBuffer(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 0)

	content := []byte("%PDF-1.7 original")
	job := newTestJob(user, domain.JobPending, domain.PaymentUnpaid, time.Now())
	job.DocumentContent = content
	if err := repo.CreatePrintJob(context.Background(), job); err != nil {
		t.Fatalf("CreatePrintJob: %v", err)
	}

	copy(content, []byte("%PDF-1.7 mutated!"))

	stored, err := repo.FindJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("FindJobByID: %v", err)
	}
	if string(stored.DocumentContent) != "%PDF-1.7 original" {
		t.Fatalf("stored document changed with caller buffer: %q", stored.DocumentContent)
	}
}

func TestInsufficientFundsLeavesNoOrphanJob(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 1000)

	job := newTestJob(user, domain.JobPending, domain.PaymentPaid, time.Now())
	payment := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		JobID:     &job.ID,
		Type:      domain.TransactionPayment,
		Amount:    job.TotalCost,
		CreatedAt: time.Now(),
	}

	err := repo.CreatePrintJobWithPayment(context.Background(), job, payment)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := repo.FindJobByID(context.Background(), job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("failed submission left a job behind: %v", err)
	}
	balance, _ := repo.WalletBalance(context.Background(), user.ID)
	if balance != 1000 {
		t.Fatalf("failed submission moved money: balance %d", balance)
	}
	entries, _ := repo.ListTransactionsByUser(context.Background(), user.ID)
	if len(entries) != 0 {
		t.Fatalf("failed submission left %d ledger entries", len(entries))
	}
}

func TestCancellationRefundsPaidJob(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 5000)
	operator := newTestUser(t, repo, 0)

	job := newTestJob(user, domain.JobPending, domain.PaymentPaid, time.Now())
	payment := &domain.Transaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		JobID:     &job.ID,
		Type:      domain.TransactionPayment,
		Amount:    job.TotalCost,
		CreatedAt: time.Now(),
	}
	if err := repo.CreatePrintJobWithPayment(context.Background(), job, payment); err != nil {
		t.Fatalf("CreatePrintJobWithPayment: %v", err)
	}

	updated, refund, err := repo.TransitionJob(context.Background(), job.ID, domain.JobCancelled, operator.ID, time.Now())
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if updated.JobStatus != domain.JobCancelled || updated.PaymentStatus != domain.PaymentRefunded {
		t.Fatalf("unexpected status after cancellation: %s/%s", updated.JobStatus, updated.PaymentStatus)
	}
	if refund == nil || refund.Type != domain.TransactionRefund || refund.Amount != job.TotalCost {
		t.Fatalf("unexpected refund entry: %+v", refund)
	}
	if refund.JobID == nil || *refund.JobID != job.ID {
		t.Fatal("refund entry not linked to the job")
	}

	balance, _ := repo.WalletBalance(context.Background(), user.ID)
	if balance != 5000 {
		t.Fatalf("refund did not restore the balance: got %d", balance)
	}
}

func TestTransitionRejectsUnpaidCompletion(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 0)
	operator := newTestUser(t, repo, 0)

	job := newTestJob(user, domain.JobProcessing, domain.PaymentUnpaid, time.Now())
	job.PaymentType = domain.PaymentPostpaid
	if err := repo.CreatePrintJob(context.Background(), job); err != nil {
		t.Fatalf("CreatePrintJob: %v", err)
	}

	if _, _, err := repo.TransitionJob(context.Background(), job.ID, domain.JobCompleted, operator.ID, time.Now()); !errors.Is(err, domain.ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
}

func TestCollectJobPayment(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 10000)
	operator := newTestUser(t, repo, 0)

	job := newTestJob(user, domain.JobProcessing, domain.PaymentUnpaid, time.Now())
	job.PaymentType = domain.PaymentPostpaid
	if err := repo.CreatePrintJob(context.Background(), job); err != nil {
		t.Fatalf("CreatePrintJob: %v", err)
	}

	updated, payment, err := repo.CollectJobPayment(context.Background(), job.ID, operator.ID, time.Now())
	if err != nil {
		t.Fatalf("CollectJobPayment: %v", err)
	}
	if updated.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("job not marked paid: %s", updated.PaymentStatus)
	}
	if payment.Amount != job.TotalCost || payment.Type != domain.TransactionPayment {
		t.Fatalf("unexpected payment entry: %+v", payment)
	}
	balance, _ := repo.WalletBalance(context.Background(), user.ID)
	if balance != 10000-job.TotalCost {
		t.Fatalf("unexpected balance after collection: %d", balance)
	}

	// Collecting twice is rejected and moves no more money.
	if _, _, err := repo.CollectJobPayment(context.Background(), job.ID, operator.ID, time.Now()); !errors.Is(err, domain.ErrPaymentNotCollectable) {
		t.Fatalf("expected ErrPaymentNotCollectable, got %v", err)
	}
}

func TestQueuePositionsAreContiguousAndOrdered(t *testing.T) {
	repo := NewMemoryRepository()
	alice := newTestUser(t, repo, 0)
	bob := newTestUser(t, repo, 0)

	base := time.Now()
	jobs := []*domain.PrintJob{
		newTestJob(alice, domain.JobProcessing, domain.PaymentPaid, base),
		newTestJob(bob, domain.JobPending, domain.PaymentPaid, base.Add(1*time.Second)),
		newTestJob(alice, domain.JobPending, domain.PaymentPaid, base.Add(2*time.Second)),
	}
	// A completed job must not occupy a position.
	done := newTestJob(bob, domain.JobCompleted, domain.PaymentPaid, base.Add(-1*time.Minute))
	for _, job := range append(jobs, done) {
		if err := repo.CreatePrintJob(context.Background(), job); err != nil {
			t.Fatalf("CreatePrintJob: %v", err)
		}
	}

	queue, err := repo.ListQueue(context.Background())
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", len(queue))
	}
	for i, q := range queue {
		if q.Position != i+1 {
			t.Fatalf("position at index %d is %d", i, q.Position)
		}
		if q.Job.ID != jobs[i].ID {
			t.Fatalf("queue out of submission order at index %d", i)
		}
	}

	mine, err := repo.ListActiveJobsByUser(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("ListActiveJobsByUser: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 active jobs for alice, got %d", len(mine))
	}
	// Positions are relative to the whole queue, not the user's slice.
	if mine[0].Position != 1 || mine[1].Position != 3 {
		t.Fatalf("unexpected positions %d and %d", mine[0].Position, mine[1].Position)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewMemoryRepository()
	user := newTestUser(t, repo, 2500)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := &domain.Transaction{
				ID:        uuid.New(),
				UserID:    user.ID,
				Type:      domain.TransactionPayment,
				Amount:    1000,
				CreatedAt: time.Now(),
			}
			_, err := repo.ApplyWalletEntry(context.Background(), entry, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 2 || rejected != 3 {
		t.Fatalf("expected 2 debits and 3 rejections, got %d/%d", succeeded, rejected)
	}
	balance, _ := repo.WalletBalance(context.Background(), user.ID)
	if balance != 500 {
		t.Fatalf("expected final balance 500, got %d", balance)
	}
}
