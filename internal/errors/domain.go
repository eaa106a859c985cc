package errors

import (
	stderrors "errors"

	"github.com/dentiq/payrecon/internal/payment"
	"github.com/dentiq/payrecon/internal/reconcile"
	"github.com/dentiq/payrecon/internal/storage"
)

// CodeFor classifies a domain error into an API error code.
func CodeFor(err error) ErrorCode {
	var permanent *payment.PermanentError
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, storage.ErrNotFound):
		return ErrCodeSessionNotFound
	case stderrors.Is(err, storage.ErrAlreadyExists):
		return ErrCodeSessionAlreadyExists
	case stderrors.Is(err, payment.ErrReferenceMismatch):
		return ErrCodeReferenceMismatch
	case stderrors.Is(err, payment.ErrRetryBudgetExhausted):
		return ErrCodeRetryBudgetExhausted
	case stderrors.Is(err, payment.ErrUnresolvedReference):
		return ErrCodeReferenceUnresolved
	case stderrors.Is(err, reconcile.ErrEngineStopped):
		return ErrCodeServiceStopping
	case stderrors.As(err, &permanent):
		return ErrCodePaymentRejectedByGateway
	case payment.IsTransient(err):
		return ErrCodeGatewayUnavailable
	default:
		return ErrCodeInternalError
	}
}
