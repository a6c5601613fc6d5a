/**
 * @description
 * This file contains the core business logic for the print-service. The
 * `Service` struct orchestrates submissions, the wallet ledger and the
 * job lifecycle, coordinating between the database repository, the
 * Redis rate limiter and the message broker.
 *
 * Key features:
 * - Prepaid submissions debit the wallet in the same store commit that
 *   creates the job, so a failed debit leaves no orphan job.
 * - Lifecycle transitions and payment collection delegate the rules to
 *   the domain package and the atomicity to the repository.
 * - Publishes events to RabbitMQ for asynchronous consumers; publishing
 *   is best-effort and never blocks or fails an operation.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - golang.org/x/crypto/bcrypt: Password hashing.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusprint/print-service/internal/domain"
	"github.com/campusprint/print-service/internal/store"
	"github.com/campusprint/print-service/pkg/rabbitmq"
)

// Upper bounds on a single submission. They keep requests within what a
// campus print counter can physically serve and keep pages*copies*rate far
// away from int64 overflow, so a computed cost can never wrap negative.
const (
	MaxPagesPerJob  = 10000
	MaxCopiesPerJob = 1000
)

// Limits groups the tunable business limits the service enforces.
type Limits struct {
	RatePerPagePaise     int64
	MaxDocumentBytes     int64
	SubmitLimitPerMinute int
}

// Service provides the core business logic for print jobs and wallets.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	rateLimiter   RateLimiter
	limits        Limits
}

// NewService creates a new print service instance. rateLimiter may be nil.
func NewService(repo store.Repository, producer rabbitmq.Publisher, rateLimiter RateLimiter, limits Limits) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
		rateLimiter:   rateLimiter,
		limits:        limits,
	}
}

// RegisterUser creates a user account with a bcrypt-hashed password. The
// role defaults to STUDENT when the request leaves it empty.
func (s *Service) RegisterUser(ctx context.Context, req domain.RegisterRequest) (*domain.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, ErrInvalidUsername
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	role := req.Role
	if role == "" {
		role = domain.RoleStudent
	}
	if !domain.ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, req.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: string(hash),
		FullName:     strings.TrimSpace(req.FullName),
		Email:        strings.TrimSpace(req.Email),
		Role:         role,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"user registered\" user_id=%s role=%s", user.ID, user.Role)
	return user, nil
}

// AuthenticateUser verifies a username/password pair. Unknown usernames and
// wrong passwords both map to ErrInvalidCredentials so the response does not
// leak which part failed.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		if err == store.ErrUserNotFound {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserInactive
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err := s.repo.RecordLogin(ctx, user.ID, now); err != nil {
		log.Printf("level=warn component=service msg=\"failed to record login\" user_id=%s err=%v", user.ID, err)
	}
	user.LastLogin = &now
	return user, nil
}

// SubmitJob validates and enqueues a print job. Prepaid jobs debit the
// submitter's wallet atomically with the job creation; postpaid jobs start
// unpaid and are collected by an operator later.
func (s *Service) SubmitJob(ctx context.Context, userID uuid.UUID, req domain.SubmitJobRequest) (*domain.PrintJob, error) {
	if req.PageCount <= 0 || req.NumCopies <= 0 ||
		req.PageCount > MaxPagesPerJob || req.NumCopies > MaxCopiesPerJob {
		return nil, ErrInvalidQuantity
	}
	if s.limits.MaxDocumentBytes > 0 && int64(len(req.DocumentContent)) > s.limits.MaxDocumentBytes {
		return nil, ErrDocumentTooLarge
	}
	paymentType := req.PaymentType
	if paymentType == "" {
		paymentType = domain.PaymentPrepaid
	}
	if paymentType != domain.PaymentPrepaid && paymentType != domain.PaymentPostpaid {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPaymentType, req.PaymentType)
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserInactive
	}

	if s.rateLimiter != nil && s.limits.SubmitLimitPerMinute > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "job_submit", userID.String(), s.limits.SubmitLimitPerMinute, time.Minute)
		if err != nil {
			// Redis being down must not stop the print queue.
			log.Printf("level=warn component=service msg=\"rate limiter unavailable\" user_id=%s err=%v", userID, err)
		} else if count > s.limits.SubmitLimitPerMinute {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	now := time.Now().UTC()
	job := &domain.PrintJob{
		ID:              uuid.New(),
		UserID:          userID,
		DocumentName:    strings.TrimSpace(req.DocumentName),
		DocumentContent: req.DocumentContent,
		DocumentPath:    strings.TrimSpace(req.DocumentPath),
		PageCount:       req.PageCount,
		NumCopies:       req.NumCopies,
		TotalCost:       domain.PrintCost(req.PageCount, req.NumCopies, s.limits.RatePerPagePaise),
		JobStatus:       domain.JobPending,
		PaymentStatus:   domain.InitialPaymentStatus(paymentType),
		PaymentType:     paymentType,
		SubmittedAt:     now,
		Notes:           req.Notes,
	}
	if job.TotalCost <= 0 {
		return nil, ErrInvalidQuantity
	}

	if paymentType == domain.PaymentPrepaid {
		payment := &domain.Transaction{
			ID:          uuid.New(),
			UserID:      userID,
			JobID:       &job.ID,
			Type:        domain.TransactionPayment,
			Amount:      job.TotalCost,
			CreatedAt:   now,
			Description: fmt.Sprintf("Payment for print job %q", job.DocumentName),
		}
		if err := s.repo.CreatePrintJobWithPayment(ctx, job, payment); err != nil {
			return nil, err
		}
	} else {
		if err := s.repo.CreatePrintJob(ctx, job); err != nil {
			return nil, err
		}
	}

	log.Printf("level=info component=service msg=\"job submitted\" job_id=%s user_id=%s cost=%d payment_type=%s", job.ID, userID, job.TotalCost, paymentType)
	s.publish(ctx, rabbitmq.KeyJobSubmitted, rabbitmq.JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    string(job.JobStatus),
		TotalCost: job.TotalCost,
		Timestamp: now,
	})
	return job, nil
}

// TransitionJob moves a job through its lifecycle on behalf of an operator.
// Cancelling a paid job refunds the wallet in the same commit.
func (s *Service) TransitionJob(ctx context.Context, jobID uuid.UUID, target domain.JobStatus, operatorID uuid.UUID) (*domain.PrintJob, error) {
	now := time.Now().UTC()
	job, refund, err := s.repo.TransitionJob(ctx, jobID, target, operatorID, now)
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=service msg=\"job transitioned\" job_id=%s status=%s operator_id=%s", job.ID, job.JobStatus, operatorID)
	s.publish(ctx, rabbitmq.KeyJobStatusChanged, rabbitmq.JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    string(job.JobStatus),
		TotalCost: job.TotalCost,
		Timestamp: now,
	})
	if refund != nil {
		s.publish(ctx, rabbitmq.KeyWalletRefunded, rabbitmq.WalletEvent{
			UserID:        refund.UserID,
			JobID:         refund.JobID,
			Amount:        refund.Amount,
			BalanceAfter:  refund.BalanceAfter,
			TransactionID: refund.ID,
			Timestamp:     now,
		})
	}
	return job, nil
}

// CollectJobPayment debits the submitter's wallet for a postpaid job.
func (s *Service) CollectJobPayment(ctx context.Context, jobID uuid.UUID, operatorID uuid.UUID) (*domain.PrintJob, error) {
	now := time.Now().UTC()
	job, payment, err := s.repo.CollectJobPayment(ctx, jobID, operatorID, now)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"payment collected\" job_id=%s amount=%d operator_id=%s", job.ID, payment.Amount, operatorID)
	return job, nil
}

// RechargeWallet credits a wallet. A repeated idempotency key replays the
// original entry instead of crediting again; replayed reports which happened.
func (s *Service) RechargeWallet(ctx context.Context, userID uuid.UUID, req domain.RechargeRequest, idempotencyKey string) (entry *domain.Transaction, replayed bool, err error) {
	if req.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Wallet recharge"
	}
	entry = &domain.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TransactionRecharge,
		Amount:      req.Amount,
		CreatedAt:   time.Now().UTC(),
		Description: description,
	}
	replayed, err = s.repo.ApplyWalletEntry(ctx, entry, strings.TrimSpace(idempotencyKey))
	if err != nil {
		return nil, false, err
	}

	if !replayed {
		log.Printf("level=info component=service msg=\"wallet recharged\" user_id=%s amount=%d balance=%d", userID, entry.Amount, entry.BalanceAfter)
		s.publish(ctx, rabbitmq.KeyWalletRecharged, rabbitmq.WalletEvent{
			UserID:        entry.UserID,
			Amount:        entry.Amount,
			BalanceAfter:  entry.BalanceAfter,
			TransactionID: entry.ID,
			Timestamp:     entry.CreatedAt,
		})
	}
	return entry, replayed, nil
}

// WalletBalance returns the user's current balance in paise.
func (s *Service) WalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.WalletBalance(ctx, userID)
}

// ListTransactions returns the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error) {
	return s.repo.ListTransactionsByUser(ctx, userID)
}

// ListQueue returns all active jobs in service order.
func (s *Service) ListQueue(ctx context.Context) ([]domain.QueuedJob, error) {
	return s.repo.ListQueue(ctx)
}

// ListActiveJobsForUser returns the user's queued jobs with their positions
// in the overall queue.
func (s *Service) ListActiveJobsForUser(ctx context.Context, userID uuid.UUID) ([]domain.QueuedJob, error) {
	return s.repo.ListActiveJobsByUser(ctx, userID)
}

// ListJobsForUser returns the user's full submission history.
func (s *Service) ListJobsForUser(ctx context.Context, userID uuid.UUID) ([]domain.PrintJob, error) {
	return s.repo.ListJobsByUser(ctx, userID)
}

// ListCompletedJobs returns completed jobs across all users.
func (s *Service) ListCompletedJobs(ctx context.Context) ([]domain.PrintJob, error) {
	return s.repo.ListCompletedJobs(ctx)
}

// FindJob returns a single job by ID.
func (s *Service) FindJob(ctx context.Context, jobID uuid.UUID) (*domain.PrintJob, error) {
	return s.repo.FindJobByID(ctx, jobID)
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.EventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
