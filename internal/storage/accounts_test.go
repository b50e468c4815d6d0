package storage

import (
	"errors"
	"testing"
)

func TestEnsureAccount_CreatesOnceWithOpeningBalance(t *testing.T) {
	s := openTestStore(t)

	acct, created, err := s.EnsureAccount("u1", 3, "signup_bonus")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if !created || acct.Balance != 3 {
		t.Errorf("first EnsureAccount = %+v, created=%v; want balance 3, created", acct, created)
	}

	acct, created, err = s.EnsureAccount("u1", 3, "signup_bonus")
	if err != nil {
		t.Fatalf("second EnsureAccount: %v", err)
	}
	if created || acct.Balance != 3 {
		t.Errorf("second EnsureAccount = %+v, created=%v; want unchanged", acct, created)
	}

	entries, err := s.ListLedger("u1", 10)
	if err != nil {
		t.Fatalf("ListLedger: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "signup_bonus" || entries[0].BalanceAfter != 3 {
		t.Errorf("ledger = %+v", entries)
	}
}

func TestApplyCredit(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.EnsureAccount("u1", 0, ""); err != nil {
		t.Fatal(err)
	}

	e, err := s.ApplyCredit(Credit{UserID: "u1", Delta: 5, Reason: "grant"})
	if err != nil {
		t.Fatalf("ApplyCredit grant: %v", err)
	}
	if e.BalanceAfter != 5 || e.ID == 0 {
		t.Errorf("entry = %+v", e)
	}

	if _, err := s.ApplyCredit(Credit{UserID: "u1", Delta: -2, Reason: "brief", Reference: "b1"}); err != nil {
		t.Fatalf("ApplyCredit debit: %v", err)
	}

	acct, err := s.GetAccount("u1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 3 {
		t.Errorf("Balance = %d, want 3", acct.Balance)
	}

	entries, _ := s.ListLedger("u1", 10)
	if len(entries) != 2 || entries[0].Reference != "b1" || entries[0].Delta != -2 {
		t.Errorf("ledger newest-first = %+v", entries)
	}
}

func TestApplyCredit_InsufficientBalance(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.EnsureAccount("u1", 1, "signup_bonus"); err != nil {
		t.Fatal(err)
	}

	_, err := s.ApplyCredit(Credit{UserID: "u1", Delta: -2, Reason: "brief"})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	acct, _ := s.GetAccount("u1")
	if acct.Balance != 1 {
		t.Errorf("Balance = %d, want 1 (unchanged)", acct.Balance)
	}
	entries, _ := s.ListLedger("u1", 10)
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1", len(entries))
	}
}

func TestApplyCredit_UnknownAccount(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ApplyCredit(Credit{UserID: "ghost", Delta: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReferralCodes(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetReferralCode("u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetReferralCode before save: err = %v, want ErrNotFound", err)
	}

	code, err := s.SaveReferralCode("u1", "ABC123")
	if err != nil || code != "ABC123" {
		t.Fatalf("SaveReferralCode = %q, %v", code, err)
	}

	code, err = s.SaveReferralCode("u1", "ZZZ999")
	if err != nil || code != "ABC123" {
		t.Errorf("second SaveReferralCode = %q, %v; want existing ABC123", code, err)
	}

	owner, err := s.ReferrerForCode("ABC123")
	if err != nil || owner != "u1" {
		t.Errorf("ReferrerForCode = %q, %v", owner, err)
	}
	if _, err := s.ReferrerForCode("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown code err = %v", err)
	}
}

func TestRedeemReferral(t *testing.T) {
	s := openTestStore(t)
	for _, u := range []string{"referrer", "referee"} {
		if _, _, err := s.EnsureAccount(u, 3, "signup_bonus"); err != nil {
			t.Fatal(err)
		}
	}

	r := Referral{RefereeID: "referee", ReferrerID: "referrer", Code: "ABC123", Bonus: 5}
	if err := s.RedeemReferral(r); err != nil {
		t.Fatalf("RedeemReferral: %v", err)
	}

	for _, u := range []string{"referrer", "referee"} {
		acct, _ := s.GetAccount(u)
		if acct.Balance != 8 {
			t.Errorf("%s balance = %d, want 8", u, acct.Balance)
		}
	}

	if err := s.RedeemReferral(r); !errors.Is(err, ErrAlreadyRedeemed) {
		t.Errorf("second redeem err = %v, want ErrAlreadyRedeemed", err)
	}
	acct, _ := s.GetAccount("referee")
	if acct.Balance != 8 {
		t.Errorf("balance after rejected redeem = %d, want 8", acct.Balance)
	}

	refs, err := s.ListReferrals("referrer")
	if err != nil || len(refs) != 1 || refs[0].RefereeID != "referee" {
		t.Errorf("ListReferrals = %+v, %v", refs, err)
	}
}

func TestRedeemReferral_RollsBackOnMissingAccount(t *testing.T) {
	s := openTestStore(t)
	if _, _, err := s.EnsureAccount("referee", 0, ""); err != nil {
		t.Fatal(err)
	}

	err := s.RedeemReferral(Referral{RefereeID: "referee", ReferrerID: "ghost", Code: "X", Bonus: 5})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	acct, _ := s.GetAccount("referee")
	if acct.Balance != 0 {
		t.Errorf("referee credited despite rollback: %d", acct.Balance)
	}
	refs, _ := s.ListReferrals("ghost")
	if len(refs) != 0 {
		t.Errorf("referral recorded despite rollback: %+v", refs)
	}
}
