// Package store persists chunked envelope sets. Sets are stored as JSON
// documents keyed by set id; the store never sees plaintext, only envelopes.
package store

import (
	"context"
	"errors"

	"github.com/kenneth/envelope-pipeline/internal/pipeline"
)

// ErrSetNotFound reports a lookup for a set id that is not stored.
var ErrSetNotFound = errors.New("envelope set not found")

// Store persists and retrieves chunked envelope sets.
type Store interface {
	// PutSet stores a set under its own SetID, overwriting any previous
	// version.
	PutSet(ctx context.Context, set *pipeline.ChunkedEnvelopeSet) error

	// GetSet retrieves a set by id. Returns ErrSetNotFound if absent.
	GetSet(ctx context.Context, setID string) (*pipeline.ChunkedEnvelopeSet, error)

	// DeleteSet removes a set by id. Deleting an absent set is not an error.
	DeleteSet(ctx context.Context, setID string) error

	// ListSets returns the ids of all stored sets.
	ListSets(ctx context.Context) ([]string, error)
}
