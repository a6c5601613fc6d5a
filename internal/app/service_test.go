package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campusprint/print-service/internal/domain"
	"github.com/campusprint/print-service/internal/store"
)

type capturedEvent struct {
	routingKey string
	body       interface{}
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{routingKey: routingKey, body: body})
	return nil
}

func (p *capturingPublisher) Close() {}

func (p *capturingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []string
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

type fixedRateLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *fixedRateLimiter) ConsumeRateLimit(_ context.Context, _, _ string, _ int, _ time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func defaultLimits() Limits {
	return Limits{
		RatePerPagePaise:     200,
		MaxDocumentBytes:     20 << 20,
		SubmitLimitPerMinute: 10,
	}
}

func newTestService(t *testing.T) (*Service, *store.MemoryRepository, *capturingPublisher) {
	t.Helper()
	repo := store.NewMemoryRepository()
	pub := &capturingPublisher{}
	return NewService(repo, pub, nil, defaultLimits()), repo, pub
}

func registerStudent(t *testing.T, svc *Service, balance int64) *domain.User {
	t.Helper()
	user, err := svc.RegisterUser(context.Background(), domain.RegisterRequest{
		Username: "student-" + uuid.NewString()[:8],
		Password: "correct-horse",
	})
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if balance > 0 {
		if _, _, err := svc.RechargeWallet(context.Background(), user.ID, domain.RechargeRequest{Amount: balance}, ""); err != nil {
			t.Fatalf("RechargeWallet: %v", err)
		}
	}
	return user
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)

	user, err := svc.RegisterUser(context.Background(), domain.RegisterRequest{
		Username: "  ravi  ",
		Password: "correct-horse",
		FullName: "Ravi Kumar",
	})
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if user.Username != "ravi" {
		t.Fatalf("username not trimmed: %q", user.Username)
	}
	if user.Role != domain.RoleStudent {
		t.Fatalf("expected default role STUDENT, got %s", user.Role)
	}
	if user.PasswordHash == "correct-horse" {
		t.Fatal("password stored in the clear")
	}

	got, err := svc.AuthenticateUser(context.Background(), "ravi", "correct-horse")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if got.ID != user.ID {
		t.Fatal("authenticated a different user")
	}
	if got.LastLogin == nil {
		t.Fatal("last login not stamped")
	}

	if _, err := svc.AuthenticateUser(context.Background(), "ravi", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.AuthenticateUser(context.Background(), "nobody", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.RegisterUser(context.Background(), domain.RegisterRequest{Username: "   ", Password: "correct-horse"}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := svc.RegisterUser(context.Background(), domain.RegisterRequest{Username: "ravi", Password: "short"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestSubmitJobPrepaidDebitsWallet(t *testing.T) {
	svc, _, pub := newTestService(t)
	user := registerStudent(t, svc, 10000)

	// 4 pages x 5 copies at 200 paise/page = 4000 paise.
	job, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{
		DocumentName: "assignment.pdf",
		PageCount:    4,
		NumCopies:    5,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if job.TotalCost != 4000 {
		t.Fatalf("expected cost 4000, got %d", job.TotalCost)
	}
	if job.PaymentType != domain.PaymentPrepaid || job.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("prepaid defaults wrong: %s/%s", job.PaymentType, job.PaymentStatus)
	}
	if job.JobStatus != domain.JobPending {
		t.Fatalf("new job not pending: %s", job.JobStatus)
	}

	balance, err := svc.WalletBalance(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("WalletBalance: %v", err)
	}
	if balance != 6000 {
		t.Fatalf("expected balance 6000 after debit, got %d", balance)
	}

	keys := pub.keys()
	if len(keys) == 0 || keys[len(keys)-1] != "print.job.submitted" {
		t.Fatalf("submission event not published: %v", keys)
	}
}

func TestSubmitJobInsufficientFunds(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := registerStudent(t, svc, 1000)

	_, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{
		DocumentName: "thesis.pdf",
		PageCount:    100,
		NumCopies:    1,
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	jobs, err := svc.ListJobsForUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ListJobsForUser: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("rejected submission left %d jobs", len(jobs))
	}
	balance, _ := svc.WalletBalance(context.Background(), user.ID)
	if balance != 1000 {
		t.Fatalf("rejected submission moved money: %d", balance)
	}
}

func TestSubmitJobPostpaidStartsUnpaid(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := registerStudent(t, svc, 0)

	job, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{
		DocumentName: "handout.pdf",
		PageCount:    2,
		NumCopies:    1,
		PaymentType:  domain.PaymentPostpaid,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if job.PaymentStatus != domain.PaymentUnpaid {
		t.Fatalf("postpaid job should start unpaid, got %s", job.PaymentStatus)
	}
	balance, _ := svc.WalletBalance(context.Background(), user.ID)
	if balance != 0 {
		t.Fatalf("postpaid submission moved money: %d", balance)
	}
}

func TestSubmitJobValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := registerStudent(t, svc, 10000)

	cases := []struct {
		name    string
		req     domain.SubmitJobRequest
		wantErr error
	}{
		{name: "zero pages", req: domain.SubmitJobRequest{PageCount: 0, NumCopies: 1}, wantErr: ErrInvalidQuantity},
		{name: "negative copies", req: domain.SubmitJobRequest{PageCount: 1, NumCopies: -1}, wantErr: ErrInvalidQuantity},
		{name: "pages over limit", req: domain.SubmitJobRequest{PageCount: MaxPagesPerJob + 1, NumCopies: 1}, wantErr: ErrInvalidQuantity},
		{name: "copies over limit", req: domain.SubmitJobRequest{PageCount: 1, NumCopies: MaxCopiesPerJob + 1}, wantErr: ErrInvalidQuantity},
		// pages*copies*rate here would wrap int64 negative without bounds
		{name: "huge quantities", req: domain.SubmitJobRequest{PageCount: 3037000500, NumCopies: 3037000500}, wantErr: ErrInvalidQuantity},
		{
			name: "oversized document",
			req: domain.SubmitJobRequest{
				PageCount:       1,
				NumCopies:       1,
				DocumentContent: make([]byte, (20<<20)+1),
			},
			wantErr: ErrDocumentTooLarge,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SubmitJob(context.Background(), user.ID, tc.req); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	balance, err := svc.WalletBalance(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("balance lookup failed: %v", err)
	}
	if balance != 10000 {
		t.Fatalf("rejected submissions must not move money, balance = %d", balance)
	}
}

func TestSubmitJobRateLimited(t *testing.T) {
	repo := store.NewMemoryRepository()
	limiter := &fixedRateLimiter{count: 11, retryAfter: 42}
	svc := NewService(repo, &capturingPublisher{}, limiter, defaultLimits())
	user := registerStudent(t, svc, 10000)

	_, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{PageCount: 1, NumCopies: 1})
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry after 42s, got %d", rateErr.RetryAfterSeconds)
	}
}

func TestSubmitJobSurvivesLimiterOutage(t *testing.T) {
	repo := store.NewMemoryRepository()
	limiter := &fixedRateLimiter{err: errors.New("redis down")}
	svc := NewService(repo, &capturingPublisher{}, limiter, defaultLimits())
	user := registerStudent(t, svc, 10000)

	if _, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{PageCount: 1, NumCopies: 1}); err != nil {
		t.Fatalf("limiter outage should not block submission: %v", err)
	}
}

func TestConcurrentRechargesThroughService(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := registerStudent(t, svc, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.RechargeWallet(context.Background(), user.ID, domain.RechargeRequest{Amount: 1000}, ""); err != nil {
				t.Errorf("RechargeWallet: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, err := svc.WalletBalance(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("WalletBalance: %v", err)
	}
	if balance != 5000 {
		t.Fatalf("expected 5000 after five concurrent recharges, got %d", balance)
	}
}

func TestRechargeValidatesAmount(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := registerStudent(t, svc, 0)

	for _, amount := range []int64{0, -100} {
		if _, _, err := svc.RechargeWallet(context.Background(), user.ID, domain.RechargeRequest{Amount: amount}, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestRechargeIdempotencyThroughService(t *testing.T) {
	svc, _, pub := newTestService(t)
	user := registerStudent(t, svc, 0)

	first, replayed, err := svc.RechargeWallet(context.Background(), user.ID, domain.RechargeRequest{Amount: 3000}, "key-1")
	if err != nil || replayed {
		t.Fatalf("first recharge: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := svc.RechargeWallet(context.Background(), user.ID, domain.RechargeRequest{Amount: 3000}, "key-1")
	if err != nil {
		t.Fatalf("replayed recharge: %v", err)
	}
	if !replayed || second.ID != first.ID {
		t.Fatalf("expected replay of %s, got replayed=%v id=%s", first.ID, replayed, second.ID)
	}

	balance, _ := svc.WalletBalance(context.Background(), user.ID)
	if balance != 3000 {
		t.Fatalf("duplicate recharge moved money: %d", balance)
	}

	// Only the first attempt publishes an event.
	var recharged int
	for _, key := range pub.keys() {
		if key == "wallet.recharged" {
			recharged++
		}
	}
	if recharged != 1 {
		t.Fatalf("expected one wallet.recharged event, got %d", recharged)
	}
}

func TestCancellingPaidJobRefundsAndPublishes(t *testing.T) {
	svc, _, pub := newTestService(t)
	user := registerStudent(t, svc, 5000)
	operator, err := svc.RegisterUser(context.Background(), domain.RegisterRequest{
		Username: "operator",
		Password: "operator-pass",
		Role:     domain.RoleOperator,
	})
	if err != nil {
		t.Fatalf("RegisterUser operator: %v", err)
	}

	job, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{
		DocumentName: "poster.pdf",
		PageCount:    10,
		NumCopies:    1,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	cancelled, err := svc.TransitionJob(context.Background(), job.ID, domain.JobCancelled, operator.ID)
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if cancelled.PaymentStatus != domain.PaymentRefunded {
		t.Fatalf("expected REFUNDED, got %s", cancelled.PaymentStatus)
	}

	balance, _ := svc.WalletBalance(context.Background(), user.ID)
	if balance != 5000 {
		t.Fatalf("refund did not restore balance: %d", balance)
	}

	var sawRefund bool
	for _, key := range pub.keys() {
		if key == "wallet.refunded" {
			sawRefund = true
		}
	}
	if !sawRefund {
		t.Fatalf("wallet.refunded event not published: %v", pub.keys())
	}
}

func TestPostpaidCompletionRequiresCollection(t *testing.T) {
	svc, _, _ := newTestService(t)
	user := registerStudent(t, svc, 10000)
	operator := registerStudent(t, svc, 0)

	job, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{
		DocumentName: "report.pdf",
		PageCount:    5,
		NumCopies:    2,
		PaymentType:  domain.PaymentPostpaid,
	})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if _, err := svc.TransitionJob(context.Background(), job.ID, domain.JobProcessing, operator.ID); err != nil {
		t.Fatalf("to PROCESSING: %v", err)
	}

	if _, err := svc.TransitionJob(context.Background(), job.ID, domain.JobCompleted, operator.ID); !errors.Is(err, domain.ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}

	collected, err := svc.CollectJobPayment(context.Background(), job.ID, operator.ID)
	if err != nil {
		t.Fatalf("CollectJobPayment: %v", err)
	}
	if collected.PaymentStatus != domain.PaymentPaid {
		t.Fatalf("job not paid after collection: %s", collected.PaymentStatus)
	}

	done, err := svc.TransitionJob(context.Background(), job.ID, domain.JobCompleted, operator.ID)
	if err != nil {
		t.Fatalf("to COMPLETED after collection: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completion timestamp not stamped")
	}

	balance, _ := svc.WalletBalance(context.Background(), user.ID)
	if balance != 10000-job.TotalCost {
		t.Fatalf("unexpected balance after collection: %d", balance)
	}
}

func TestQueueOrderThroughService(t *testing.T) {
	svc, _, _ := newTestService(t)
	alice := registerStudent(t, svc, 100000)
	bob := registerStudent(t, svc, 100000)

	var ids []uuid.UUID
	for i, user := range []*domain.User{alice, bob, alice} {
		job, err := svc.SubmitJob(context.Background(), user.ID, domain.SubmitJobRequest{
			DocumentName: "doc.pdf",
			PageCount:    1 + i,
			NumCopies:    1,
		})
		if err != nil {
			t.Fatalf("SubmitJob %d: %v", i, err)
		}
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	queue, err := svc.ListQueue(context.Background())
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued jobs, got %d", len(queue))
	}
	for i, q := range queue {
		if q.Job.ID != ids[i] || q.Position != i+1 {
			t.Fatalf("queue not in submission order at %d: job=%s pos=%d", i, q.Job.ID, q.Position)
		}
	}
}
