/**
 * @description
 * Request payloads accepted by the HTTP API. They live in the domain
 * package so handlers and the service share one definition.
 */

package domain

// RegisterRequest is the payload for creating a user account.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

// LoginRequest is the payload for authenticating a user.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SubmitJobRequest is the payload for submitting a print job. The document
// content is base64 in transit (Go's JSON encoding of []byte).
type SubmitJobRequest struct {
	DocumentName    string      `json:"document_name"`
	DocumentContent []byte      `json:"document_content,omitempty"`
	DocumentPath    string      `json:"document_path,omitempty"`
	PageCount       int         `json:"page_count"`
	NumCopies       int         `json:"num_copies"`
	PaymentType     PaymentType `json:"payment_type"`
	Notes           string      `json:"notes,omitempty"`
}

// TransitionRequest is the payload for moving a job through its lifecycle.
type TransitionRequest struct {
	Target JobStatus `json:"target_status"`
}

// RechargeRequest is the payload for topping up a wallet. Amount is in
// minor units (paise).
type RechargeRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}
