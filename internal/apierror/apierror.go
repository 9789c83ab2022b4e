// Package apierror maps domain errors to HTTP responses and back, so the
// server and its Go clients agree on one error vocabulary.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"escrowpay/internal/escrow"
	"escrowpay/internal/idempotency"
	"escrowpay/internal/intent"
	"escrowpay/internal/receipt"
	"escrowpay/internal/release"
)

// Body is the JSON error envelope.
type Body struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	CodeNotFound          = "not_found"
	CodeIntentStale       = "intent_stale"
	CodeTokenNotFound     = "token_not_found"
	CodeChainNotReady     = "chain_not_ready"
	CodeInvalidAmount     = "invalid_amount"
	CodeInvalidPayee      = "invalid_payee"
	CodeInvalidTransition = "invalid_transition"
	CodeFundingPending    = "funding_pending"
	CodeFundingMismatch   = "funding_mismatch"
	CodeFundingReverted   = "funding_reverted"
	CodeNotFunded         = "not_funded"
	CodeReleaseInProgress = "release_in_progress"
	CodeNotPayer          = "not_payer"
	CodeIdempotency       = "idempotency_conflict"
	CodeBadRequest        = "bad_request"
	CodeUpstream          = "upstream_error"
	CodeInternal          = "internal_error"
)

type mapping struct {
	err    error
	status int
	code   string
}

var table = []mapping{
	{escrow.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{intent.ErrIntentStale, http.StatusConflict, CodeIntentStale},
	{escrow.ErrInvalidTransition, http.StatusConflict, CodeInvalidTransition},
	{intent.ErrTokenNotFound, http.StatusUnprocessableEntity, CodeTokenNotFound},
	{intent.ErrInvalidAmount, http.StatusUnprocessableEntity, CodeInvalidAmount},
	{intent.ErrInvalidPayee, http.StatusUnprocessableEntity, CodeInvalidPayee},
	{intent.ErrChainNotReady, http.StatusServiceUnavailable, CodeChainNotReady},
	{escrow.ErrReceiptPending, http.StatusAccepted, CodeFundingPending},
	{receipt.ErrFundingMismatch, http.StatusUnprocessableEntity, CodeFundingMismatch},
	{receipt.ErrFundingReverted, http.StatusUnprocessableEntity, CodeFundingReverted},
	{receipt.ErrNotFunded, http.StatusConflict, CodeNotFunded},
	{release.ErrReleaseInProgress, http.StatusAccepted, CodeReleaseInProgress},
	{escrow.ErrNotPayer, http.StatusForbidden, CodeNotPayer},
	{idempotency.ErrKeyConflict, http.StatusUnprocessableEntity, CodeIdempotency},
	{escrow.ErrChainUnavailable, http.StatusServiceUnavailable, CodeChainNotReady},
}

// Classify returns the status and code for err. expected is false for errors
// outside the taxonomy, which callers log as unexpected.
func Classify(err error) (status int, code string, expected bool) {
	for _, m := range table {
		if errors.Is(err, m.err) {
			return m.status, m.code, true
		}
	}
	return http.StatusInternalServerError, CodeInternal, false
}

// Error is a decoded API error. It unwraps to the matching domain sentinel.
type Error struct {
	Status int
	Body   Body
}

func (e *Error) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Body.Code, e.Body.Error)
}

func (e *Error) Unwrap() error {
	for _, m := range table {
		if m.code == e.Body.Code {
			return m.err
		}
	}
	return nil
}
