package api

import (
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/warp/coin-ledger/bonus"
	"github.com/warp/coin-ledger/ledger"
	"github.com/warp/coin-ledger/profile"
	"github.com/warp/coin-ledger/withdrawal"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInsufficientFunds = "insufficient_funds"
	CodeNotVerified       = "not_verified"
	CodeInvalidTransition = "invalid_transition"
	CodeConcurrentUpdate  = "concurrent_update"
	CodeNotFound          = "not_found"
	CodeStoreUnavailable  = "store_unavailable"
	CodeInternal          = "internal"
)

// writeDomainError maps a domain error to its HTTP status and code.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	if status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		}).Error("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, ErrorResponse) {
	var insufficient *ledger.InsufficientFundsError
	var transition *withdrawal.TransitionError

	switch {
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, ErrorResponse{
			Error: "Insufficient funds",
			Code:  CodeInsufficientFunds,
			Details: map[string]string{
				"currency":  string(insufficient.Currency),
				"balance":   insufficient.Balance.String(),
				"requested": insufficient.Requested.String(),
				"shortfall": insufficient.Shortfall.String(),
			},
		}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, ErrorResponse{Error: "Insufficient funds", Code: CodeInsufficientFunds}
	case errors.Is(err, withdrawal.ErrNotVerified):
		return http.StatusForbidden, ErrorResponse{Error: "Identity not verified", Code: CodeNotVerified, Details: err.Error()}
	case errors.As(err, &transition):
		return http.StatusConflict, ErrorResponse{
			Error: "Invalid withdrawal transition",
			Code:  CodeInvalidTransition,
			Details: map[string]string{
				"state":    string(transition.From),
				"role":     string(transition.Role),
				"decision": string(transition.Verdict),
			},
		}
	case errors.Is(err, withdrawal.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Error: "Invalid withdrawal transition", Code: CodeInvalidTransition, Details: err.Error()}
	case errors.Is(err, withdrawal.ErrConcurrentUpdate):
		return http.StatusConflict, ErrorResponse{Error: "Withdrawal modified concurrently", Code: CodeConcurrentUpdate}
	case errors.Is(err, withdrawal.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Withdrawal not found", Code: CodeNotFound}
	case errors.Is(err, bonus.ErrUnknownGame):
		return http.StatusNotFound, ErrorResponse{Error: "Unknown mini-game", Code: CodeNotFound, Details: err.Error()}
	case errors.Is(err, withdrawal.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidPosting),
		errors.Is(err, ledger.ErrUnknownCurrency),
		errors.Is(err, profile.ErrInvalidStatus):
		return http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: CodeInvalidRequest, Details: err.Error()}
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "Service temporarily unavailable", Code: CodeStoreUnavailable, Details: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Code: CodeInternal}
	}
}
