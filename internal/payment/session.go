package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the local lifecycle state of a payment session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusConfirmed  Status = "confirmed"
	StatusRejected   Status = "rejected"
	StatusCanceled   Status = "canceled"
	StatusRefunded   Status = "refunded"
	StatusExpired    Status = "expired"
)

// TerminalStatuses lists every status from which no further transition is permitted.
var TerminalStatuses = []Status{
	StatusConfirmed,
	StatusRejected,
	StatusCanceled,
	StatusRefunded,
	StatusExpired,
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusCanceled, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// IsNegative reports whether the status is a terminal business failure
// (rejected, canceled, expired). These are user-visible but not software errors.
func (s Status) IsNegative() bool {
	return s == StatusRejected || s == StatusCanceled || s == StatusExpired
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAuthorized:
		return true
	default:
		return s.IsTerminal()
	}
}

// ParseStatus converts a stored status string back into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("payment: unknown status %q", raw)
	}
	return s, nil
}

// Session is the unit under reconciliation.
// It is created pending with zero attempts and mutated only by the reconciler.
type Session struct {
	LocalID       string          `json:"localId"`
	ExternalRef   string          `json:"externalRef,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	LastCheckedAt time.Time       `json:"lastCheckedAt,omitempty"`
	RedirectURL   string          `json:"redirectUrl,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	FinalizedAt   *time.Time      `json:"finalizedAt,omitempty"`
}

// NewSession returns a fresh pending session.
func NewSession(localID string, amount decimal.Decimal, currency string, maxAttempts int, now time.Time) Session {
	return Session{
		LocalID:     localID,
		Amount:      amount,
		Currency:    strings.ToUpper(currency),
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// IsTerminal reports whether the session reached a final status.
func (s Session) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// BudgetExhausted reports whether the retry budget has been spent.
func (s Session) BudgetExhausted() bool {
	return s.MaxAttempts > 0 && s.Attempts >= s.MaxAttempts
}

// CheckedWithin reports whether a remote query completed less than d ago.
func (s Session) CheckedWithin(d time.Duration, now time.Time) bool {
	if d <= 0 || s.LastCheckedAt.IsZero() {
		return false
	}
	return now.Sub(s.LastCheckedAt) < d
}

// Validate checks the fields required at creation time.
func (s Session) Validate() error {
	if strings.TrimSpace(s.LocalID) == "" {
		return fmt.Errorf("payment: local id is required")
	}
	if !s.Amount.IsPositive() {
		return fmt.Errorf("payment: amount must be positive")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("payment: max attempts must be positive")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("payment: invalid status %q", s.Status)
	}
	return nil
}
