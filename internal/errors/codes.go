package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Reconciliation errors surfaced to the user.
const (
	// Gateway rejected the reference (unknown, malformed, not ours). Polling stopped.
	ErrCodePaymentRejectedByGateway ErrorCode = "gateway_permanent_error"
	// No terminal status before the retry budget ran out. Manual retry is offered.
	ErrCodeRetryBudgetExhausted ErrorCode = "retry_budget_exhausted"
	// A signal carried a different gateway reference than the one bound to the session.
	ErrCodeReferenceMismatch ErrorCode = "reference_mismatch"
	// The session cannot be queried yet because no external reference is known.
	ErrCodeReferenceUnresolved ErrorCode = "reference_unresolved"
	// Another attempt is already running for the session; the trigger was dropped.
	ErrCodeAttemptInFlight ErrorCode = "attempt_in_flight"
	// The session is already terminal and cannot be retried.
	ErrCodeSessionFinalized ErrorCode = "session_finalized"
)

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidAmount ErrorCode = "invalid_amount"
	ErrCodeInvalidBody   ErrorCode = "invalid_body"
)

// Resource/State Errors
const (
	ErrCodeSessionNotFound      ErrorCode = "session_not_found"
	ErrCodeWebhookNotFound      ErrorCode = "webhook_not_found"
	ErrCodeSessionAlreadyExists ErrorCode = "session_already_exists"
	ErrCodeRateLimited          ErrorCode = "rate_limited"
	ErrCodeUnauthorized         ErrorCode = "unauthorized"
	// An Idempotency-Key was reused with a different request body.
	ErrCodeIdempotencyKeyReused ErrorCode = "idempotency_key_reused"
	// A request with the same Idempotency-Key is still being processed.
	ErrCodeRequestInProgress ErrorCode = "request_in_progress"
)

// External Service Errors (payment backend, Stripe)
const (
	ErrCodeGatewayUnavailable ErrorCode = "gateway_unavailable"
	ErrCodeStripeError        ErrorCode = "stripe_error"
	ErrCodeNetworkError       ErrorCode = "network_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
	// The engine is shutting down and accepts no new attempts.
	ErrCodeServiceStopping ErrorCode = "service_stopping"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient service issues, not validation or gateway rejections.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeGatewayUnavailable,
		ErrCodeNetworkError,
		ErrCodeStripeError,
		ErrCodeRetryBudgetExhausted,
		ErrCodeReferenceUnresolved,
		ErrCodeAttemptInFlight,
		ErrCodeServiceStopping,
		ErrCodeRequestInProgress,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidBody:
		return 400

	case ErrCodeUnauthorized:
		return 401

	// 404 Not Found
	case ErrCodeSessionNotFound,
		ErrCodeWebhookNotFound:
		return 404

	// 409 Conflict - state conflicts
	case ErrCodeSessionAlreadyExists,
		ErrCodeReferenceMismatch,
		ErrCodeAttemptInFlight,
		ErrCodeRequestInProgress,
		ErrCodeSessionFinalized:
		return 409

	// 422 Unprocessable - gateway said no, or nothing to query with
	case ErrCodePaymentRejectedByGateway,
		ErrCodeReferenceUnresolved,
		ErrCodeIdempotencyKeyReused:
		return 422

	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - External service errors
	case ErrCodeStripeError,
		ErrCodeNetworkError:
		return 502

	// 503 - breaker open or backend down, or automatic checks gave up
	case ErrCodeGatewayUnavailable,
		ErrCodeRetryBudgetExhausted,
		ErrCodeServiceStopping:
		return 503

	default:
		return 500
	}
}
