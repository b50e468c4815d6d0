package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance is returned when a debit would take a balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyRedeemed is returned when a user has already redeemed a referral code.
	ErrAlreadyRedeemed = errors.New("referral already redeemed")
)

// BriefRecord is a stored brief. Document holds the full brief as JSON;
// the other columns exist for lookup and listing.
type BriefRecord struct {
	ID        string
	ShareID   string
	UserID    string
	Topic     string
	Locale    string
	Degraded  bool
	Document  string
	CreatedAt time.Time
	// RequestID is the caller's idempotency key, unique per user when set.
	RequestID string
}

type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int       `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry records one balance change.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Delta        int       `json:"delta"`
	BalanceAfter int       `json:"balance_after"`
	Reason       string    `json:"reason"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Credit is a balance change to apply.
type Credit struct {
	UserID    string
	Delta     int
	Reason    string
	Reference string
}

type Referral struct {
	RefereeID  string    `json:"referee_id"`
	ReferrerID string    `json:"referrer_id"`
	Code       string    `json:"code"`
	Bonus      int       `json:"bonus"`
	CreatedAt  time.Time `json:"created_at"`
}

type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"-"`
	Status      string    `json:"status"` // "pending", "running", "completed", "failed"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
	ResultJSON  string    `json:"-"`
}
