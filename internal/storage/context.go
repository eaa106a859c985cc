package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout bounds a single backend call. A status commit that
// cannot land within it is retried by the next poll tick.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout applies DefaultQueryTimeout unless the caller already set
// a deadline, in which case ctx is returned untouched.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
