package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Accounts and credit ledger ---

// EnsureAccount creates the account for userID if it does not exist,
// crediting openingBalance under reason. It reports whether the account
// was created by this call.
func (s *Store) EnsureAccount(userID string, openingBalance int, reason string) (Account, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Account{}, false, fmt.Errorf("beginning account transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	res, err := tx.Exec(`INSERT OR IGNORE INTO accounts (user_id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)`, userID, now, now)
	if err != nil {
		return Account{}, false, fmt.Errorf("creating account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Account{}, false, err
	}
	created := n == 1

	if created && openingBalance > 0 {
		if _, err := applyCreditTx(tx, Credit{UserID: userID, Delta: openingBalance, Reason: reason}, now); err != nil {
			return Account{}, false, err
		}
	}

	acct, err := scanAccount(tx.QueryRow(`SELECT user_id, balance, created_at, updated_at FROM accounts WHERE user_id = ?`, userID))
	if err != nil {
		return Account{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Account{}, false, fmt.Errorf("committing account: %w", err)
	}
	return acct, created, nil
}

func (s *Store) GetAccount(userID string) (Account, error) {
	return scanAccount(s.db.QueryRow(`SELECT user_id, balance, created_at, updated_at FROM accounts WHERE user_id = ?`, userID))
}

// ApplyCredit changes a balance by c.Delta and appends a ledger entry in
// one transaction. A debit below zero fails with ErrInsufficientBalance.
func (s *Store) ApplyCredit(c Credit) (LedgerEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("beginning credit transaction: %w", err)
	}
	defer tx.Rollback()

	entry, err := applyCreditTx(tx, c, formatTime(time.Now()))
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return LedgerEntry{}, fmt.Errorf("committing credit: %w", err)
	}
	return entry, nil
}

func applyCreditTx(tx *sql.Tx, c Credit, now string) (LedgerEntry, error) {
	var balance int
	err := tx.QueryRow(`SELECT balance FROM accounts WHERE user_id = ?`, c.UserID).Scan(&balance)
	if err == sql.ErrNoRows {
		return LedgerEntry{}, ErrNotFound
	}
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("reading balance: %w", err)
	}

	after := balance + c.Delta
	if after < 0 {
		return LedgerEntry{}, ErrInsufficientBalance
	}

	if _, err := tx.Exec(`UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ?`, after, now, c.UserID); err != nil {
		return LedgerEntry{}, fmt.Errorf("updating balance: %w", err)
	}
	res, err := tx.Exec(`
		INSERT INTO credit_ledger (user_id, delta, balance_after, reason, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Delta, after, c.Reason, c.Reference, now,
	)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("appending ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LedgerEntry{}, err
	}

	createdAt, err := parseTime("created_at", now)
	if err != nil {
		return LedgerEntry{}, err
	}
	return LedgerEntry{
		ID:           id,
		UserID:       c.UserID,
		Delta:        c.Delta,
		BalanceAfter: after,
		Reason:       c.Reason,
		Reference:    c.Reference,
		CreatedAt:    createdAt,
	}, nil
}

// ListLedger returns a user's ledger entries, newest first.
func (s *Store) ListLedger(userID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, delta, balance_after, reason, reference, created_at
		FROM credit_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.Reference, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var createdAt, updatedAt string
	err := row.Scan(&a.UserID, &a.Balance, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Account{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Account{}, err
	}
	return a, nil
}

// --- Referrals ---

// SaveReferralCode assigns code to userID unless the user already has one,
// and returns the code now on record.
func (s *Store) SaveReferralCode(userID, code string) (string, error) {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO referral_codes (code, user_id, created_at) VALUES (?, ?, ?)`,
		code, userID, formatTime(time.Now())); err != nil {
		return "", fmt.Errorf("saving referral code: %w", err)
	}
	return s.GetReferralCode(userID)
}

func (s *Store) GetReferralCode(userID string) (string, error) {
	var code string
	err := s.db.QueryRow(`SELECT code FROM referral_codes WHERE user_id = ?`, userID).Scan(&code)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return code, err
}

// ReferrerForCode returns the user who owns code.
func (s *Store) ReferrerForCode(code string) (string, error) {
	var userID string
	err := s.db.QueryRow(`SELECT user_id FROM referral_codes WHERE code = ?`, code).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return userID, err
}

// RedeemReferral records r and credits r.Bonus to both the referee and the
// referrer in one transaction. A referee can redeem only once.
func (s *Store) RedeemReferral(r Referral) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning referral transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM referrals WHERE referee_id = ?`, r.RefereeID).Scan(&exists); err != nil {
		return fmt.Errorf("checking referral: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyRedeemed
	}

	now := formatTime(time.Now())
	if _, err := tx.Exec(`
		INSERT INTO referrals (referee_id, referrer_id, code, bonus, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.RefereeID, r.ReferrerID, r.Code, r.Bonus, now,
	); err != nil {
		return fmt.Errorf("recording referral: %w", err)
	}

	if r.Bonus > 0 {
		for _, user := range []string{r.RefereeID, r.ReferrerID} {
			if _, err := applyCreditTx(tx, Credit{UserID: user, Delta: r.Bonus, Reason: "referral_bonus", Reference: r.Code}, now); err != nil {
				return fmt.Errorf("crediting %s: %w", user, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing referral: %w", err)
	}
	return nil
}

// ListReferrals returns the referrals made with referrerID's code, newest first.
func (s *Store) ListReferrals(referrerID string) ([]Referral, error) {
	rows, err := s.db.Query(`
		SELECT referee_id, referrer_id, code, bonus, created_at
		FROM referrals WHERE referrer_id = ? ORDER BY created_at DESC, rowid DESC`, referrerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Referral
	for rows.Next() {
		var r Referral
		var createdAt string
		if err := rows.Scan(&r.RefereeID, &r.ReferrerID, &r.Code, &r.Bonus, &createdAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
