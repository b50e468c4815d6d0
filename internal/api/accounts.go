package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/briefai/internal/credits"
)

type grantRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

func handleGetCredits(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		balance, err := deps.Ledger.Balance(userID)
		if err != nil {
			serviceError(w, err)
			return
		}
		history, err := deps.Ledger.History(userID, parseIntParam(r, "limit", 20, 100))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":    userID,
			"balance":    balance,
			"brief_cost": deps.Ledger.BriefCost(),
			"history":    history,
		})
	}
}

func handleGrantCredits(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body grantRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Amount <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "amount must be positive")
			return
		}
		if body.Reason == "" {
			body.Reason = credits.ReasonGrant
		}

		entry, err := deps.Ledger.Grant(chi.URLParam(r, "userID"), body.Amount, body.Reason)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	}
}

func handleGetReferral(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		code, err := deps.Ledger.ReferralCode(userID)
		if err != nil {
			serviceError(w, err)
			return
		}
		refs, err := deps.Ledger.Referrals(userID)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"code":      code,
			"referrals": refs,
		})
	}
}

func handleRedeemReferral(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body redeemRequest
		if !decodeBody(w, r, &body) {
			return
		}
		userID := chi.URLParam(r, "userID")

		bonus, err := deps.Ledger.Redeem(userID, body.Code)
		if err != nil {
			serviceError(w, err)
			return
		}
		balance, err := deps.Ledger.Balance(userID)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"bonus":   bonus,
			"balance": balance,
		})
	}
}
