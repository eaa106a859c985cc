package payment

import "strings"

// RawStatus is the gateway's status code as returned by the backend.
type RawStatus struct {
	Code   string `json:"rawStatus"`
	Detail string `json:"rawStatusDetail,omitempty"`
}

// statusTable translates normalized gateway codes into local statuses.
// Codes missing from the table map to pending.
var statusTable = map[string]Status{
	// still in progress
	"PENDING":     StatusPending,
	"NEW":         StatusPending,
	"CREATED":     StatusPending,
	"OPEN":        StatusPending,
	"PROCESSING":  StatusPending,
	"IN_PROGRESS": StatusPending,
	"WAITING":     StatusPending,
	"UNPAID":      StatusPending,

	// funds held, capture outstanding
	"AUTHORIZED":    StatusAuthorized,
	"AUTHORISED":    StatusAuthorized,
	"PREAUTHORIZED": StatusAuthorized,
	"ON_HOLD":       StatusAuthorized,

	"CONFIRMED": StatusConfirmed,
	"CAPTURED":  StatusConfirmed,
	"PAID":      StatusConfirmed,
	"SUCCEEDED": StatusConfirmed,
	"SUCCESS":   StatusConfirmed,
	"COMPLETED": StatusConfirmed,

	"REJECTED": StatusRejected,
	"DECLINED": StatusRejected,
	"FAILED":   StatusRejected,

	"CANCELED":  StatusCanceled,
	"CANCELLED": StatusCanceled,
	"VOIDED":    StatusCanceled,

	"REFUNDED": StatusRefunded,

	"EXPIRED": StatusExpired,
}

// Map translates a raw gateway status into the local status enum.
// Unrecognized codes never finalize a payment: they map to pending.
func Map(raw RawStatus) Status {
	if s, ok := statusTable[normalizeCode(raw.Code)]; ok {
		return s
	}
	return StatusPending
}

// IsKnownCode reports whether the raw code has an explicit mapping.
func IsKnownCode(code string) bool {
	_, ok := statusTable[normalizeCode(code)]
	return ok
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "_", " ", "_").Replace(code)
}
