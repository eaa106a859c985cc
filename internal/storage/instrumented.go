package storage

import (
	"context"

	"github.com/dentiq/payrecon/internal/metrics"
	"github.com/dentiq/payrecon/internal/payment"
)

// InstrumentedStore records query latency for every Store call.
type InstrumentedStore struct {
	inner   Store
	backend string
	metrics *metrics.Metrics
}

// NewInstrumentedStore wraps inner. A nil metrics collector returns inner unchanged.
func NewInstrumentedStore(inner Store, backend string, m *metrics.Metrics) Store {
	if m == nil {
		return inner
	}
	if backend == "" {
		backend = "memory"
	}
	return &InstrumentedStore{inner: inner, backend: backend, metrics: m}
}

func (s *InstrumentedStore) CreateSession(ctx context.Context, session payment.Session) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_session", s.backend)()
	return s.inner.CreateSession(ctx, session)
}

func (s *InstrumentedStore) GetSession(ctx context.Context, localID string) (payment.Session, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_session", s.backend)()
	return s.inner.GetSession(ctx, localID)
}

func (s *InstrumentedStore) FindByExternalRef(ctx context.Context, ref string) (payment.Session, error) {
	defer metrics.MeasureDBQuery(s.metrics, "find_by_external_ref", s.backend)()
	return s.inner.FindByExternalRef(ctx, ref)
}

func (s *InstrumentedStore) ListActiveSessions(ctx context.Context) ([]payment.Session, error) {
	defer metrics.MeasureDBQuery(s.metrics, "list_active_sessions", s.backend)()
	return s.inner.ListActiveSessions(ctx)
}

func (s *InstrumentedStore) BindExternalRef(ctx context.Context, localID, ref string) (payment.Session, error) {
	defer metrics.MeasureDBQuery(s.metrics, "bind_external_ref", s.backend)()
	return s.inner.BindExternalRef(ctx, localID, ref)
}

func (s *InstrumentedStore) CommitStatus(ctx context.Context, c Commit) (payment.Session, bool, error) {
	defer metrics.MeasureDBQuery(s.metrics, "commit_status", s.backend)()
	return s.inner.CommitStatus(ctx, c)
}

func (s *InstrumentedStore) DeleteSession(ctx context.Context, localID string) error {
	defer metrics.MeasureDBQuery(s.metrics, "delete_session", s.backend)()
	return s.inner.DeleteSession(ctx, localID)
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
