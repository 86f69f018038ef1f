// Package apperrors defines the caller-visible error taxonomy shared by the
// registry, issuance, marketplace and verification services.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindInvalidIssuanceRequest Kind = "invalid_issuance_request"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"

	// Business-rule refusals. Nothing was mutated; safe to retry once the
	// underlying condition changes.
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindInsufficientBalance   Kind = "insufficient_balance"
	KindStaleInventory        Kind = "stale_inventory"
	KindProjectNotApproved    Kind = "project_not_approved"

	// Ledger-layer failures.
	KindLedgerUnavailable     Kind = "ledger_unavailable"
	KindLedgerTimeout         Kind = "ledger_timeout"
	KindLedgerRejected        Kind = "ledger_rejected"
	KindNoCertificatesMinted  Kind = "no_certificates_minted"
	KindInconsistentWrite     Kind = "inconsistent_write"
	KindPendingReconciliation Kind = "pending_reconciliation"

	KindInternal Kind = "internal"
)

// genericLedgerMessage is what callers see for any ledger-class failure.
const genericLedgerMessage = "processing failed, retry later"

// Error carries a Kind, a caller-safe message and the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	// ReconciliationID references the outbox record an operator can use to
	// follow up on a ledger-class failure.
	ReconciliationID string
	Err              error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperrors.New(k, ""))
// works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithReconciliation attaches a reconciliation marker and returns the error.
func (e *Error) WithReconciliation(id string) *Error {
	e.ReconciliationID = id
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsLedgerFailure reports whether the kind belongs to the ledger class, whose
// details must never reach the end caller.
func IsLedgerFailure(kind Kind) bool {
	switch kind {
	case KindLedgerUnavailable, KindLedgerTimeout, KindLedgerRejected,
		KindNoCertificatesMinted, KindInconsistentWrite, KindPendingReconciliation:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code used by the HTTP handlers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidIssuanceRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindStaleInventory:
		return http.StatusConflict
	case KindInsufficientInventory, KindInsufficientBalance, KindProjectNotApproved:
		return http.StatusUnprocessableEntity
	case KindPendingReconciliation:
		return http.StatusAccepted
	case KindLedgerUnavailable, KindLedgerTimeout:
		return http.StatusServiceUnavailable
	case KindLedgerRejected, KindNoCertificatesMinted, KindInconsistentWrite:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body rendered for a failed request.
type Response struct {
	Error            string `json:"error"`
	Code             Kind   `json:"code"`
	ReconciliationID string `json:"reconciliation_id,omitempty"`
}

// ToResponse renders err for an end caller. Business refusals keep their
// precise message; ledger failures and internal errors are replaced by a
// generic one.
func ToResponse(err error) Response {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return Response{Error: "internal error", Code: KindInternal}
	}
	if IsLedgerFailure(appErr.Kind) {
		return Response{
			Error:            genericLedgerMessage,
			Code:             appErr.Kind,
			ReconciliationID: appErr.ReconciliationID,
		}
	}
	if appErr.Kind == KindInternal {
		return Response{Error: "internal error", Code: KindInternal}
	}
	return Response{Error: appErr.Message, Code: appErr.Kind}
}

// Render writes err as the JSON error body with its mapped status.
func Render(c *gin.Context, err error) {
	c.JSON(HTTPStatus(err), ToResponse(err))
}
