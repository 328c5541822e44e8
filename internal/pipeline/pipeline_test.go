package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/kenneth/envelope-pipeline/internal/crypto"
	"github.com/kenneth/envelope-pipeline/internal/logging"
)

func newTestOrchestrator(t *testing.T, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()

	engine, err := crypto.NewEngine(crypto.NewMockKeyProvider("pipeline-key"), logging.NewEventLogger(1000, nil))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	orch, err := NewOrchestrator(engine, logging.NewEventLogger(1000, nil), opts...)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return orch
}

func TestEncryptDecryptLargeRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		chunkSize  int
		wantChunks int
	}{
		{"empty payload", 0, 8, 1},
		{"smaller than chunk", 5, 8, 1},
		{"exact chunk", 8, 8, 1},
		{"spans chunks with remainder", 17, 8, 3},
		{"exact multiple", 24, 8, 3},
		{"many chunks", 10 * 1024 * 1024, 8 * 1024, 1280},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := newTestOrchestrator(t, WithChunkSize(tt.chunkSize))

			payload := make([]byte, tt.payloadLen)
			rand.New(rand.NewSource(42)).Read(payload)

			set, err := orch.EncryptLarge(context.Background(), payload, map[string]string{"purpose": "test"})
			if err != nil {
				t.Fatalf("EncryptLarge() error = %v", err)
			}
			if set.TotalChunks != tt.wantChunks {
				t.Errorf("TotalChunks = %d, want %d", set.TotalChunks, tt.wantChunks)
			}
			if len(set.Envelopes) != tt.wantChunks {
				t.Errorf("len(Envelopes) = %d, want %d", len(set.Envelopes), tt.wantChunks)
			}

			got, err := orch.DecryptLarge(context.Background(), set)
			if err != nil {
				t.Fatalf("DecryptLarge() error = %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("reassembled payload differs from original (%d vs %d bytes)", len(got), len(payload))
			}
		})
	}
}

func TestChunkContextsCarryCoordinates(t *testing.T) {
	orch := newTestOrchestrator(t, WithChunkSize(4))

	set, err := orch.EncryptLarge(context.Background(), []byte("twelve bytes"), nil)
	if err != nil {
		t.Fatalf("EncryptLarge() error = %v", err)
	}

	seen := map[string]bool{}
	for _, env := range set.Envelopes {
		if env.Context["total_chunks"] != "3" {
			t.Errorf("total_chunks = %q, want 3", env.Context["total_chunks"])
		}
		seen[env.Context["chunk_index"]] = true
	}
	for _, want := range []string{"0", "1", "2"} {
		if !seen[want] {
			t.Errorf("no envelope carries chunk_index %s", want)
		}
	}
}

func TestDecryptLargeShuffledEnvelopes(t *testing.T) {
	orch := newTestOrchestrator(t, WithChunkSize(16))

	payload := bytes.Repeat([]byte("abcdefgh"), 40)
	set, err := orch.EncryptLarge(context.Background(), payload, nil)
	if err != nil {
		t.Fatalf("EncryptLarge() error = %v", err)
	}

	// Reassembly is driven by the index each envelope records, not by the
	// slice order the set arrives in.
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(set.Envelopes), func(i, j int) {
		set.Envelopes[i], set.Envelopes[j] = set.Envelopes[j], set.Envelopes[i]
	})

	got, err := orch.DecryptLarge(context.Background(), set)
	if err != nil {
		t.Fatalf("DecryptLarge() on shuffled set error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("shuffled set did not reassemble to the original payload")
	}
}

func TestDecryptLargeMissingChunk(t *testing.T) {
	orch := newTestOrchestrator(t, WithChunkSize(8))

	set, err := orch.EncryptLarge(context.Background(), bytes.Repeat([]byte{1}, 30), nil)
	if err != nil {
		t.Fatalf("EncryptLarge() error = %v", err)
	}

	set.Envelopes = set.Envelopes[:len(set.Envelopes)-1]

	if _, err := orch.DecryptLarge(context.Background(), set); !errors.Is(err, ErrIncompleteChunkSet) {
		t.Errorf("DecryptLarge() error = %v, want ErrIncompleteChunkSet", err)
	}
}

func TestDecryptLargeDuplicateChunk(t *testing.T) {
	orch := newTestOrchestrator(t, WithChunkSize(8))

	set, err := orch.EncryptLarge(context.Background(), bytes.Repeat([]byte{2}, 30), nil)
	if err != nil {
		t.Fatalf("EncryptLarge() error = %v", err)
	}

	set.Envelopes[1] = set.Envelopes[0]

	if _, err := orch.DecryptLarge(context.Background(), set); !errors.Is(err, ErrIncompleteChunkSet) {
		t.Errorf("DecryptLarge() error = %v, want ErrIncompleteChunkSet", err)
	}
}

func TestDecryptLargeTamperedChunkAbortsWholeSet(t *testing.T) {
	orch := newTestOrchestrator(t, WithChunkSize(8))

	set, err := orch.EncryptLarge(context.Background(), bytes.Repeat([]byte{3}, 64), nil)
	if err != nil {
		t.Fatalf("EncryptLarge() error = %v", err)
	}

	// Swap the chunk coordinates of two envelopes. Each chunk's index is
	// bound into its AEAD, so the swap must fail authentication rather than
	// silently reorder the payload.
	set.Envelopes[0].Context, set.Envelopes[1].Context = set.Envelopes[1].Context, set.Envelopes[0].Context

	payload, err := orch.DecryptLarge(context.Background(), set)
	if !errors.Is(err, crypto.ErrIntegrity) {
		t.Errorf("DecryptLarge() error = %v, want ErrIntegrity", err)
	}
	if payload != nil {
		t.Error("DecryptLarge() returned partial payload on tampered set")
	}
}

func TestDecryptLargeEmptySet(t *testing.T) {
	orch := newTestOrchestrator(t)

	if _, err := orch.DecryptLarge(context.Background(), &ChunkedEnvelopeSet{}); !errors.Is(err, ErrIncompleteChunkSet) {
		t.Errorf("DecryptLarge() error = %v, want ErrIncompleteChunkSet", err)
	}
}

func TestChunkedSetJSONRoundTrip(t *testing.T) {
	orch := newTestOrchestrator(t, WithChunkSize(8))

	payload := []byte("serialized chunked payload")
	set, err := orch.EncryptLarge(context.Background(), payload, map[string]string{"purpose": "transport"})
	if err != nil {
		t.Fatalf("EncryptLarge() error = %v", err)
	}

	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded ChunkedEnvelopeSet
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	got, err := orch.DecryptLarge(context.Background(), &decoded)
	if err != nil {
		t.Fatalf("DecryptLarge() after JSON round trip error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("reassembled = %q, want %q", got, payload)
	}
}

func TestNewOrchestratorRejectsBadConfig(t *testing.T) {
	engine, err := crypto.NewEngine(crypto.NewMockKeyProvider("k"), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	defer engine.Close()

	if _, err := NewOrchestrator(nil, nil); err == nil {
		t.Error("NewOrchestrator(nil engine) did not fail")
	}
	if _, err := NewOrchestrator(engine, nil, WithChunkSize(0)); err == nil {
		t.Error("NewOrchestrator(chunk size 0) did not fail")
	}
}
