// Package pipeline orchestrates envelope encryption of payloads that exceed a
// single-envelope size. A payload is split into fixed-size chunks, each chunk
// is encrypted independently, and the resulting envelopes form a set that can
// be reassembled in any storage order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/envelope-pipeline/internal/crypto"
	"github.com/kenneth/envelope-pipeline/internal/logging"
	"github.com/kenneth/envelope-pipeline/internal/metrics"
)

const (
	// DefaultChunkSize splits payloads into 64 KiB chunks.
	DefaultChunkSize = 64 * 1024

	// encryptConcurrency bounds parallel chunk encryptions. Chunks carry
	// their index in the encryption context, so completion order is free.
	encryptConcurrency = 4

	contextChunkIndex  = "chunk_index"
	contextTotalChunks = "total_chunks"
)

// ErrIncompleteChunkSet reports a chunk set that cannot be reassembled:
// missing indices, duplicates, or a count disagreeing with the recorded total.
var ErrIncompleteChunkSet = errors.New("incomplete chunk set")

// ChunkedEnvelopeSet is the transportable result of encrypting one payload in
// chunks. Envelopes may be held in any order; each one records its own index.
type ChunkedEnvelopeSet struct {
	SetID       string             `json:"set_id"`
	TotalChunks int                `json:"total_chunks"`
	TotalBytes  int                `json:"total_bytes"`
	ChunkSize   int                `json:"chunk_size"`
	CreatedAt   time.Time          `json:"created_at"`
	Envelopes   []*crypto.Envelope `json:"envelopes"`
}

// Orchestrator splits, encrypts, decrypts, and reassembles chunked payloads
// on top of a single encryption engine.
type Orchestrator struct {
	engine    *crypto.Engine
	logger    *logging.EventLogger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	chunkSize int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithChunkSize overrides the default chunk size.
func WithChunkSize(size int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.chunkSize = size
	}
}

// WithMetrics wires chunk metrics.
func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// NewOrchestrator creates an orchestrator over the given engine.
func NewOrchestrator(engine *crypto.Engine, logger *logging.EventLogger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if logger == nil {
		logger = logging.NewEventLogger(logging.DefaultMaxEvents, nil)
	}

	o := &Orchestrator{
		engine:    engine,
		logger:    logger,
		tracer:    otel.Tracer("envelope-pipeline/pipeline"),
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.chunkSize <= 0 {
		return nil, fmt.Errorf("pipeline: invalid chunk size %d", o.chunkSize)
	}
	return o, nil
}

// ChunkSize returns the configured chunk size.
func (o *Orchestrator) ChunkSize() int {
	return o.chunkSize
}

// EncryptLarge splits the payload into chunks and encrypts each one as an
// independent envelope. Every chunk's encryption context is augmented with
// its index and the set total, so reassembly is index-driven rather than
// order-driven. An empty payload yields a single-chunk set, so the envelope
// count is always at least one.
func (o *Orchestrator) EncryptLarge(ctx context.Context, payload []byte, rawContext map[string]string) (*ChunkedEnvelopeSet, error) {
	totalChunks := (len(payload) + o.chunkSize - 1) / o.chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.encrypt_large",
		trace.WithAttributes(
			attribute.Int("pipeline.total_chunks", totalChunks),
			attribute.Int("pipeline.input_bytes", len(payload)),
		))
	defer span.End()

	setID := uuid.NewString()
	o.logger.Info("chunked encrypt started", map[string]interface{}{
		"set_id":       setID,
		"total_chunks": totalChunks,
		"total_bytes":  len(payload),
		"chunk_size":   o.chunkSize,
	})

	envelopes := make([]*crypto.Envelope, totalChunks)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(encryptConcurrency)
	for i := 0; i < totalChunks; i++ {
		index := i
		group.Go(func() error {
			start := index * o.chunkSize
			end := start + o.chunkSize
			if end > len(payload) {
				end = len(payload)
			}

			chunkContext := augmentContext(rawContext, index, totalChunks)
			env, err := o.engine.Encrypt(groupCtx, payload[start:end], chunkContext)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", index, err)
			}
			envelopes[index] = env
			return nil
		})
	}

	// One failed chunk aborts the whole set; a partially encrypted payload
	// is never returned.
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk encryption failed")
		o.logger.Error("chunked encrypt aborted", map[string]interface{}{
			"set_id": setID,
			"error":  err.Error(),
		})
		return nil, err
	}
	span.SetStatus(codes.Ok, "")

	if o.metrics != nil {
		o.metrics.RecordChunks("encrypt", totalChunks)
	}

	o.logger.Info("chunked encrypt succeeded", map[string]interface{}{
		"set_id":       setID,
		"total_chunks": totalChunks,
	})

	return &ChunkedEnvelopeSet{
		SetID:       setID,
		TotalChunks: totalChunks,
		TotalBytes:  len(payload),
		ChunkSize:   o.chunkSize,
		CreatedAt:   time.Now().UTC(),
		Envelopes:   envelopes,
	}, nil
}

// DecryptLarge verifies the set is complete, decrypts every chunk, and
// reassembles the payload in index order. Any failed chunk aborts the whole
// operation; no partial payload is ever returned.
func (o *Orchestrator) DecryptLarge(ctx context.Context, set *ChunkedEnvelopeSet) ([]byte, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.decrypt_large")
	defer span.End()

	setID := ""
	if set != nil {
		setID = set.SetID
		span.SetAttributes(attribute.Int("pipeline.total_chunks", set.TotalChunks))
	}

	ordered, err := orderChunks(set)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chunk set rejected")
		o.logger.Error("chunk set rejected", map[string]interface{}{
			"set_id": setID,
			"error":  err.Error(),
		})
		return nil, err
	}

	chunks := make([][]byte, len(ordered))
	totalBytes := 0
	for i, env := range ordered {
		plaintext, err := o.engine.Decrypt(ctx, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "chunk decryption failed")
			o.logger.Error("chunked decrypt aborted", map[string]interface{}{
				"set_id":      set.SetID,
				"chunk_index": i,
				"error":       err.Error(),
			})
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		chunks[i] = plaintext
		totalBytes += len(plaintext)
	}

	if set.TotalBytes != 0 && totalBytes != set.TotalBytes {
		err := fmt.Errorf("%w: reassembled %d bytes, set records %d", crypto.ErrIntegrity, totalBytes, set.TotalBytes)
		span.RecordError(err)
		span.SetStatus(codes.Error, "reassembled length mismatch")
		return nil, err
	}

	payload := make([]byte, 0, totalBytes)
	for _, chunk := range chunks {
		payload = append(payload, chunk...)
	}

	span.SetStatus(codes.Ok, "")
	if o.metrics != nil {
		o.metrics.RecordChunks("decrypt", len(ordered))
	}

	o.logger.Info("chunked decrypt succeeded", map[string]interface{}{
		"set_id":       set.SetID,
		"total_chunks": len(ordered),
		"output_bytes": totalBytes,
	})
	return payload, nil
}

// orderChunks validates completeness and returns the envelopes sorted by
// their recorded chunk index. The index in each envelope's context is
// authoritative; slice position is ignored.
func orderChunks(set *ChunkedEnvelopeSet) ([]*crypto.Envelope, error) {
	if set == nil || len(set.Envelopes) == 0 {
		return nil, fmt.Errorf("%w: empty set", ErrIncompleteChunkSet)
	}
	if set.TotalChunks != len(set.Envelopes) {
		return nil, fmt.Errorf("%w: set records %d chunks, holds %d envelopes", ErrIncompleteChunkSet, set.TotalChunks, len(set.Envelopes))
	}

	ordered := make([]*crypto.Envelope, set.TotalChunks)
	for _, env := range set.Envelopes {
		if env == nil {
			return nil, fmt.Errorf("%w: nil envelope", ErrIncompleteChunkSet)
		}

		index, err := strconv.Atoi(env.Context[contextChunkIndex])
		if err != nil {
			return nil, fmt.Errorf("%w: envelope missing chunk index", ErrIncompleteChunkSet)
		}
		total, err := strconv.Atoi(env.Context[contextTotalChunks])
		if err != nil || total != set.TotalChunks {
			return nil, fmt.Errorf("%w: envelope chunk total disagrees with set", ErrIncompleteChunkSet)
		}
		if index < 0 || index >= set.TotalChunks {
			return nil, fmt.Errorf("%w: chunk index %d out of range", ErrIncompleteChunkSet, index)
		}
		if ordered[index] != nil {
			return nil, fmt.Errorf("%w: duplicate chunk index %d", ErrIncompleteChunkSet, index)
		}
		ordered[index] = env
	}

	for i, env := range ordered {
		if env == nil {
			return nil, fmt.Errorf("%w: missing chunk index %d", ErrIncompleteChunkSet, i)
		}
	}
	return ordered, nil
}

// augmentContext copies the caller's context and stamps chunk coordinates.
// The copy keeps concurrent chunk encryptions from sharing one map.
func augmentContext(rawContext map[string]string, index, total int) map[string]string {
	augmented := make(map[string]string, len(rawContext)+2)
	for k, v := range rawContext {
		augmented[k] = v
	}
	augmented[contextChunkIndex] = strconv.Itoa(index)
	augmented[contextTotalChunks] = strconv.Itoa(total)
	return augmented
}
