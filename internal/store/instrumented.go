package store

import (
	"context"
	"errors"

	"github.com/kenneth/envelope-pipeline/internal/metrics"
	"github.com/kenneth/envelope-pipeline/internal/pipeline"
)

// instrumentedStore counts operations and errors on a wrapped store.
type instrumentedStore struct {
	next    Store
	metrics *metrics.Metrics
}

// WithMetrics wraps a store so every operation feeds the store counters.
func WithMetrics(next Store, m *metrics.Metrics) Store {
	if m == nil {
		return next
	}
	return &instrumentedStore{next: next, metrics: m}
}

func (s *instrumentedStore) PutSet(ctx context.Context, set *pipeline.ChunkedEnvelopeSet) error {
	s.metrics.RecordStoreOperation("put")
	err := s.next.PutSet(ctx, set)
	if err != nil {
		s.metrics.RecordStoreError("put", errorLabel(err))
	}
	return err
}

func (s *instrumentedStore) GetSet(ctx context.Context, setID string) (*pipeline.ChunkedEnvelopeSet, error) {
	s.metrics.RecordStoreOperation("get")
	set, err := s.next.GetSet(ctx, setID)
	if err != nil {
		s.metrics.RecordStoreError("get", errorLabel(err))
	}
	return set, err
}

func (s *instrumentedStore) DeleteSet(ctx context.Context, setID string) error {
	s.metrics.RecordStoreOperation("delete")
	err := s.next.DeleteSet(ctx, setID)
	if err != nil {
		s.metrics.RecordStoreError("delete", errorLabel(err))
	}
	return err
}

func (s *instrumentedStore) ListSets(ctx context.Context) ([]string, error) {
	s.metrics.RecordStoreOperation("list")
	ids, err := s.next.ListSets(ctx)
	if err != nil {
		s.metrics.RecordStoreError("list", errorLabel(err))
	}
	return ids, err
}

func errorLabel(err error) string {
	if errors.Is(err, ErrSetNotFound) {
		return "not_found"
	}
	return "other"
}
