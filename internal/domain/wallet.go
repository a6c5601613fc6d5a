/**
 * @description
 * This file defines the user/wallet and ledger domain models. The wallet is
 * a single per-user balance; every balance-affecting event is recorded as
 * an immutable ledger Transaction carrying the balance before and after,
 * so the live balance can always be reconciled against the newest entry.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role tags what a user may do: students submit, operators run the queue.
type Role string

const (
	RoleStudent  Role = "STUDENT"
	RoleOperator Role = "OPERATOR"
	RoleAdmin    Role = "ADMIN"
)

// ValidRole reports whether r is one of the known role tags.
func ValidRole(r Role) bool {
	return r == RoleStudent || r == RoleOperator || r == RoleAdmin
}

// User represents an account with its prepaid wallet. WalletBalance is
// mutated exclusively through ledger-coupled store operations; no other
// code path writes it.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Username      string     `json:"username"`
	PasswordHash  string     `json:"-"`
	FullName      string     `json:"full_name"`
	Email         string     `json:"email"`
	Role          Role       `json:"role"`
	WalletBalance int64      `json:"wallet_balance"` // in paise
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionRecharge TransactionType = "RECHARGE"
	TransactionPayment  TransactionType = "PAYMENT"
	TransactionRefund   TransactionType = "REFUND"
)

// Transaction is one immutable ledger entry. Amount is always positive;
// the type determines the sign applied to the balance.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	JobID         *uuid.UUID      `json:"job_id,omitempty"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"` // in paise, > 0
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
	Description   string          `json:"description"`
}

// SignedAmount returns the delta the entry applies to the wallet:
// positive for RECHARGE and REFUND, negative for PAYMENT.
func (t *Transaction) SignedAmount() int64 {
	if t.Type == TransactionPayment {
		return -t.Amount
	}
	return t.Amount
}
