package vecmem

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Scored pairs a record id with its distance from a query vector, per the
// batch_topk contract of SPEC_FULL.md §4.1.
type Scored struct {
	ID       string
	Distance float32
}

// Candidate is a (id, vector, precomputed-norm) triple presented to the
// kernel. Storing the norm alongside the vector avoids recomputing it on
// every query, per §4.1's "precomputed per-record norms" design note.
type Candidate struct {
	ID   string
	Vec  []float32
	Norm float32
}

// Kernel computes cosine distance between a query and a batch of candidates
// and returns an ordered top-k. gonum's floats package does the vector
// reduction (dot product, norm); floats is pure Go, so there is no separate
// "vectorized vs scalar" code path at the Go level the way the original
// Rust implementation split SIMD lanes from a scalar fallback — instead this
// kernel guarantees the ordering invariant the spec actually cares about
// (bit-identical, deterministic ordering regardless of vector length) by
// always routing through the same floats.Dot/Norm calls.
type Kernel struct{}

// NewKernel constructs a stateless similarity Kernel.
func NewKernel() *Kernel { return &Kernel{} }

// Norm computes the L2 norm of v using gonum/floats.
func (k *Kernel) Norm(v []float32) float32 {
	return float32(floats.Norm(toFloat64(v), 2))
}

// Distance computes cosine distance (1 - cosine similarity) between q and v.
// Returns +Inf when the lengths differ, and 1 (orthogonal baseline) when
// either vector has zero norm, per §4.1's contract — never NaN.
func (k *Kernel) Distance(q, v []float32) float32 {
	if len(q) != len(v) {
		return float32(math.Inf(1))
	}
	qf, vf := toFloat64(q), toFloat64(v)
	qn := floats.Norm(qf, 2)
	vn := floats.Norm(vf, 2)
	if qn == 0 || vn == 0 {
		return 1
	}
	dot := floats.Dot(qf, vf)
	cos := dot / (qn * vn)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return float32(1 - cos)
}

// DistancePrecomputed is Distance but reuses a precomputed norm for v,
// avoiding a second norm pass over large candidate batches.
func (k *Kernel) DistancePrecomputed(q []float32, qNorm float32, v []float32, vNorm float32) float32 {
	if len(q) != len(v) {
		return float32(math.Inf(1))
	}
	if qNorm == 0 || vNorm == 0 {
		return 1
	}
	dot := float32(floats.Dot(toFloat64(q), toFloat64(v)))
	cos := dot / (qNorm * vNorm)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return 1 - cos
}

// BatchTopK returns up to k candidates closest to q, sorted ascending by
// distance with NaN treated as greater than any finite value and ties broken
// by lexicographic id for determinism, per §4.1 and the top-k determinism
// property in §8.
func (k *Kernel) BatchTopK(q []float32, candidates []Candidate, topK int) []Scored {
	qNorm := k.Norm(q)
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		norm := c.Norm
		if norm == 0 {
			norm = k.Norm(c.Vec)
		}
		scored[i] = Scored{ID: c.ID, Distance: k.DistancePrecomputed(q, qNorm, c.Vec, norm)}
	}
	sort.Slice(scored, func(i, j int) bool {
		di, dj := scored[i].Distance, scored[j].Distance
		iNaN, jNaN := math.IsNaN(float64(di)), math.IsNaN(float64(dj))
		switch {
		case iNaN && jNaN:
			return scored[i].ID < scored[j].ID
		case iNaN:
			return false
		case jNaN:
			return true
		case di != dj:
			return di < dj
		default:
			return scored[i].ID < scored[j].ID
		}
	})
	if topK >= 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
