// Package credits keeps per-user credit balances and the referral program.
package credits

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/briefai/internal/storage"
)

// Ledger reasons.
const (
	ReasonSignup   = "signup_bonus"
	ReasonGrant    = "grant"
	ReasonBrief    = "brief"
	ReasonReferral = "referral_bonus"
	ReasonRefund   = "refund"
)

const (
	maxUserIDLen   = 128
	referralLength = 8
)

var (
	// ErrInsufficientCredits is returned when a user cannot pay for an operation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidReferral covers unknown codes and self-referral.
	ErrInvalidReferral = errors.New("invalid referral")
	// ErrReferralRedeemed is returned when the user has already redeemed a code.
	ErrReferralRedeemed = errors.New("referral already redeemed")
	// ErrInvalidUser is returned for an empty or oversized user id.
	ErrInvalidUser = errors.New("invalid user id")
)

// Store defines the storage operations the Ledger needs.
// Implemented by storage.Store.
type Store interface {
	EnsureAccount(userID string, openingBalance int, reason string) (storage.Account, bool, error)
	ApplyCredit(c storage.Credit) (storage.LedgerEntry, error)
	ListLedger(userID string, limit int) ([]storage.LedgerEntry, error)
	SaveReferralCode(userID, code string) (string, error)
	GetReferralCode(userID string) (string, error)
	ReferrerForCode(code string) (string, error)
	RedeemReferral(r storage.Referral) error
	ListReferrals(referrerID string) ([]storage.Referral, error)
}

// Config holds the credit amounts. Zero fields take the defaults.
type Config struct {
	SignupBonus   int
	ReferralBonus int
	BriefCost     int
}

// DefaultConfig returns 3 signup credits, 5 per referral, 1 per brief.
func DefaultConfig() Config {
	return Config{SignupBonus: 3, ReferralBonus: 5, BriefCost: 1}
}

// Ledger applies the credit rules on top of the store.
type Ledger struct {
	store Store
	cfg   Config
}

// NewLedger creates a Ledger.
func NewLedger(store Store, cfg Config) *Ledger {
	def := DefaultConfig()
	if cfg.SignupBonus < 0 {
		cfg.SignupBonus = 0
	}
	if cfg.ReferralBonus <= 0 {
		cfg.ReferralBonus = def.ReferralBonus
	}
	if cfg.BriefCost <= 0 {
		cfg.BriefCost = def.BriefCost
	}
	return &Ledger{store: store, cfg: cfg}
}

// BriefCost is the price of one brief.
func (l *Ledger) BriefCost() int { return l.cfg.BriefCost }

// EnsureAccount returns the user's account, creating it with the signup
// bonus on first use.
func (l *Ledger) EnsureAccount(userID string) (storage.Account, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return storage.Account{}, err
	}
	acct, created, err := l.store.EnsureAccount(userID, l.cfg.SignupBonus, ReasonSignup)
	if err != nil {
		return storage.Account{}, fmt.Errorf("ensuring account: %w", err)
	}
	if created {
		slog.Info("account created", "user", userID, "bonus", l.cfg.SignupBonus)
	}
	return acct, nil
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(userID string) (int, error) {
	acct, err := l.EnsureAccount(userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// CanAfford returns ErrInsufficientCredits unless the user holds at least
// amount credits.
func (l *Ledger) CanAfford(userID string, amount int) error {
	balance, err := l.Balance(userID)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientCredits, balance, amount)
	}
	return nil
}

// Grant adds amount credits to the user.
func (l *Ledger) Grant(userID string, amount int, reason string) (storage.LedgerEntry, error) {
	if amount <= 0 {
		return storage.LedgerEntry{}, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if reason == "" {
		reason = ReasonGrant
	}
	acct, err := l.EnsureAccount(userID)
	if err != nil {
		return storage.LedgerEntry{}, err
	}
	entry, err := l.store.ApplyCredit(storage.Credit{UserID: acct.UserID, Delta: amount, Reason: reason})
	if err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("granting credits: %w", err)
	}
	return entry, nil
}

// Consume debits amount credits, recording reference (e.g. a brief id).
func (l *Ledger) Consume(userID string, amount int, reason, reference string) (storage.LedgerEntry, error) {
	if amount <= 0 {
		return storage.LedgerEntry{}, fmt.Errorf("consume amount must be positive, got %d", amount)
	}
	acct, err := l.EnsureAccount(userID)
	if err != nil {
		return storage.LedgerEntry{}, err
	}
	entry, err := l.store.ApplyCredit(storage.Credit{UserID: acct.UserID, Delta: -amount, Reason: reason, Reference: reference})
	if errors.Is(err, storage.ErrInsufficientBalance) {
		return storage.LedgerEntry{}, fmt.Errorf("%w: need %d", ErrInsufficientCredits, amount)
	}
	if err != nil {
		return storage.LedgerEntry{}, fmt.Errorf("consuming credits: %w", err)
	}
	return entry, nil
}

// ChargeBrief debits the price of one brief.
func (l *Ledger) ChargeBrief(userID, briefID string) (storage.LedgerEntry, error) {
	return l.Consume(userID, l.cfg.BriefCost, ReasonBrief, briefID)
}

// History returns the user's most recent ledger entries, newest first.
func (l *Ledger) History(userID string, limit int) ([]storage.LedgerEntry, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListLedger(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	if entries == nil {
		entries = []storage.LedgerEntry{}
	}
	return entries, nil
}

// ReferralCode returns the user's referral code, creating one on first request.
func (l *Ledger) ReferralCode(userID string) (string, error) {
	acct, err := l.EnsureAccount(userID)
	if err != nil {
		return "", err
	}
	code, err := l.store.GetReferralCode(acct.UserID)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading referral code: %w", err)
	}
	code, err = l.store.SaveReferralCode(acct.UserID, newReferralCode())
	if err != nil {
		return "", fmt.Errorf("creating referral code: %w", err)
	}
	return code, nil
}

// Redeem applies code for userID. Both the user and the code's owner
// receive the referral bonus, which is returned.
func (l *Ledger) Redeem(userID, code string) (int, error) {
	acct, err := l.EnsureAccount(userID)
	if err != nil {
		return 0, err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return 0, fmt.Errorf("%w: empty code", ErrInvalidReferral)
	}

	referrer, err := l.store.ReferrerForCode(code)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("%w: unknown code %q", ErrInvalidReferral, code)
	}
	if err != nil {
		return 0, fmt.Errorf("looking up referral code: %w", err)
	}
	if referrer == acct.UserID {
		return 0, fmt.Errorf("%w: cannot redeem your own code", ErrInvalidReferral)
	}
	if _, err := l.EnsureAccount(referrer); err != nil {
		return 0, err
	}

	err = l.store.RedeemReferral(storage.Referral{
		RefereeID:  acct.UserID,
		ReferrerID: referrer,
		Code:       code,
		Bonus:      l.cfg.ReferralBonus,
	})
	if errors.Is(err, storage.ErrAlreadyRedeemed) {
		return 0, ErrReferralRedeemed
	}
	if err != nil {
		return 0, fmt.Errorf("redeeming referral: %w", err)
	}
	slog.Info("referral redeemed", "user", acct.UserID, "referrer", referrer, "bonus", l.cfg.ReferralBonus)
	return l.cfg.ReferralBonus, nil
}

// Referrals returns the referrals made with the user's code.
func (l *Ledger) Referrals(userID string) ([]storage.Referral, error) {
	userID, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}
	refs, err := l.store.ListReferrals(userID)
	if err != nil {
		return nil, fmt.Errorf("listing referrals: %w", err)
	}
	if refs == nil {
		refs = []storage.Referral{}
	}
	return refs, nil
}

func normalizeUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || len(userID) > maxUserIDLen {
		return "", ErrInvalidUser
	}
	return userID, nil
}

func newReferralCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:referralLength])
}
