/**
 * @description
 * This file defines the print job domain model and the job lifecycle state
 * machine. All status and payment transitions are decided here, in one
 * place, so that no call site can invent a transition the state machine
 * does not allow. Stores execute the plans this package produces; they do
 * not re-derive the rules.
 *
 * @notes
 * - Monetary amounts are `int64` in the smallest currency unit (paise),
 *   which avoids floating-point inaccuracies with financial data.
 * - Jobs are never physically deleted: CANCELLED and COMPLETED are
 *   terminal statuses, not removal.
 */

package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a print job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobCancelled  JobStatus = "CANCELLED"
)

// PaymentStatus tracks whether the job's cost has been settled.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// PaymentType selects when the job's cost is collected.
type PaymentType string

const (
	PaymentPrepaid  PaymentType = "PREPAID"
	PaymentPostpaid PaymentType = "POSTPAID"
)

var (
	// ErrInvalidTransition is returned when a job is already in a terminal
	// status or the requested target is not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrPaymentRequired is returned when completing a job whose payment has
	// not been collected yet.
	ErrPaymentRequired = errors.New("payment required before completion")

	// ErrPaymentNotCollectable is returned when collecting payment on a job
	// that is not an unpaid postpaid job.
	ErrPaymentNotCollectable = errors.New("job payment is not collectable")
)

// ValidJobStatus reports whether s is one of the four known statuses.
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// PrintJob represents one print request with its lifecycle and payment
// state. It maps directly to the `print_jobs` table.
type PrintJob struct {
	ID              uuid.UUID     `json:"id"`
	UserID          uuid.UUID     `json:"user_id"`
	DocumentName    string        `json:"document_name"`
	DocumentContent []byte        `json:"-"`
	DocumentPath    string        `json:"document_path,omitempty"`
	PageCount       int           `json:"page_count"`
	NumCopies       int           `json:"num_copies"`
	TotalCost       int64         `json:"total_cost"` // in paise
	JobStatus       JobStatus     `json:"job_status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaymentType     PaymentType   `json:"payment_type"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	OperatorID      *uuid.UUID    `json:"operator_id,omitempty"`
	Notes           string        `json:"notes,omitempty"`
}

// QueuedJob pairs a job with its derived position in the active queue.
// Position is a read-time derivation, never stored.
type QueuedJob struct {
	Job      PrintJob `json:"job"`
	Position int      `json:"position"`
}

// PrintCost computes the fixed-rate cost of a job in paise.
func PrintCost(pages, copies int, ratePerPage int64) int64 {
	return int64(pages) * int64(copies) * ratePerPage
}

// InitialPaymentStatus derives the payment status a freshly submitted job
// starts in: prepaid jobs are debited at submission and start PAID.
func InitialPaymentStatus(t PaymentType) PaymentStatus {
	if t == PaymentPrepaid {
		return PaymentPaid
	}
	return PaymentUnpaid
}

// canTransition is the closed transition table:
// PENDING -> PROCESSING -> COMPLETED, and PENDING|PROCESSING -> CANCELLED.
func canTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobProcessing || to == JobCancelled
	case JobProcessing:
		return to == JobCompleted || to == JobCancelled
	}
	return false
}

// TransitionPlan is the outcome of validating a status change: the field
// updates to persist and whether a refund credit must accompany them in
// the same atomic commit.
type TransitionPlan struct {
	Status        JobStatus
	PaymentStatus PaymentStatus
	StartedAt     *time.Time
	CompletedAt   *time.Time
	OperatorID    uuid.UUID
	Refund        bool // credit TotalCost back to the owner's wallet
}

// PlanTransition validates target against the job's current state and
// returns the plan to apply. It never mutates job.
func PlanTransition(job *PrintJob, target JobStatus, operatorID uuid.UUID, now time.Time) (*TransitionPlan, error) {
	if !ValidJobStatus(target) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	if job.JobStatus.Terminal() || !canTransition(job.JobStatus, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.JobStatus, target)
	}

	plan := &TransitionPlan{
		Status:        target,
		PaymentStatus: job.PaymentStatus,
		OperatorID:    operatorID,
	}

	switch target {
	case JobProcessing:
		plan.StartedAt = &now
	case JobCompleted:
		if job.PaymentStatus == PaymentUnpaid {
			return nil, ErrPaymentRequired
		}
		plan.CompletedAt = &now
	case JobCancelled:
		if job.PaymentStatus == PaymentPaid {
			plan.Refund = true
			plan.PaymentStatus = PaymentRefunded
		}
	}

	return plan, nil
}

// PlanPaymentCollection validates that an operator may collect payment for
// the job: only unpaid postpaid jobs that have not been cancelled qualify.
func PlanPaymentCollection(job *PrintJob) error {
	if job.PaymentType != PaymentPostpaid || job.PaymentStatus != PaymentUnpaid {
		return fmt.Errorf("%w: %s/%s", ErrPaymentNotCollectable, job.PaymentType, job.PaymentStatus)
	}
	if job.JobStatus == JobCancelled {
		return fmt.Errorf("%w: job is cancelled", ErrPaymentNotCollectable)
	}
	return nil
}
