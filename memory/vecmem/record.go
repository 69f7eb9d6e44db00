// Package vecmem implements the Tiered Vector Memory of SPEC_FULL.md §2 and
// §4.1-§4.4: a three-layer {Interact, Insights, Assets} ANN store with
// batched similarity search and score-driven promotion across layers.
//
// Grounded on services/orchestrator of the anhnv24810310060-source-SWARM-
// INTELLIGENCE-NETWORK example pack repo for the bbolt-backed tiered-store
// shape, and on the original implementation's
// crates/memory/src/ml_promotion_original_backup.rs for the promotion score
// model. The teacher repo (goadesign-goa-ai) has no analogous component: its
// memory/* packages are a flat run-event log, kept separately as the
// Event/transcript history store (see memory/memory.go), not generalized
// into this package.
package vecmem

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Layer is a storage tier for Records, totally ordered Interact < Insights <
// Assets per SPEC_FULL.md §3.
type Layer int

const (
	LayerInteract Layer = iota
	LayerInsights
	LayerAssets
)

func (l Layer) String() string {
	switch l {
	case LayerInteract:
		return "interact"
	case LayerInsights:
		return "insights"
	case LayerAssets:
		return "assets"
	default:
		return "unknown"
	}
}

// Layers enumerates every layer in ascending order.
var Layers = []Layer{LayerInteract, LayerInsights, LayerAssets}

// ParseLayer inverts Layer.String.
func ParseLayer(s string) (Layer, error) {
	switch s {
	case "interact":
		return LayerInteract, nil
	case "insights":
		return LayerInsights, nil
	case "assets":
		return LayerAssets, nil
	default:
		return 0, fmt.Errorf("vecmem: unknown layer %q", s)
	}
}

// Record is the memory unit of SPEC_FULL.md §3.
type Record struct {
	ID         string
	Text       string
	Embedding  []float32
	Layer      Layer
	Kind       string
	Tags       []string
	Project    string
	Session    string
	Score      float32
	CreatedAt  time.Time
	LastAccess time.Time
	AccessCount uint64
}

// NewRecord constructs a Record with a fresh identity and access bookkeeping
// initialized to the moment of creation, satisfying the
// `last_access >= created_at` invariant.
func NewRecord(text string, embedding []float32, layer Layer) *Record {
	now := time.Now()
	return &Record{
		ID:         uuid.NewString(),
		Text:       text,
		Embedding:  embedding,
		Layer:      layer,
		CreatedAt:  now,
		LastAccess: now,
	}
}

// Validate checks the dimension invariant against the store's configured d.
func (r *Record) Validate(dim int) error {
	if len(r.Embedding) != dim {
		return fmt.Errorf("vecmem: record %s has embedding length %d, want %d", r.ID, len(r.Embedding), dim)
	}
	if r.ID == "" {
		return fmt.Errorf("vecmem: record missing id")
	}
	return nil
}

// clone returns a deep-enough copy for safe cross-goroutine handoff.
func (r *Record) clone() *Record {
	cp := *r
	cp.Embedding = append([]float32(nil), r.Embedding...)
	cp.Tags = append([]string(nil), r.Tags...)
	return &cp
}
