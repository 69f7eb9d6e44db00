package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	tools "github.com/agentrtcore/runtime/tool"
)

// Query is the input contract of the Intelligent Selector (SPEC_FULL.md
// §4.5): a natural-language request plus the session context used to weigh
// candidates beyond raw semantic similarity.
type Query struct {
	Text           string
	SessionContext map[string]string
	PreviousTools  []tools.Ident
	Complexity     float64
	Urgency        float64
	Expertise      float64
}

// Ranking is one entry of the Intelligent Selector's ordered output.
type Ranking struct {
	ToolName      tools.Ident
	SemanticScore float64
	CombinedScore float64
	Reasoning     string
}

// SelectOptions bounds and filters the ranked output.
type SelectOptions struct {
	TopN          int
	MinSimilarity float64
	// Platform, if set, is matched against each tool's Service field for the
	// "platform fit" policy factor.
	Platform string
}

// PolicyWeights tunes how the four non-semantic factors combine with the
// semantic score into the final CombinedScore. Weights need not sum to 1;
// they are applied to factors already normalized to [0,1] and the result is
// re-clamped.
type PolicyWeights struct {
	Semantic        float64
	PlatformFit     float64
	SecurityFit     float64
	ResourceFit     float64
	SuccessRate     float64
	UserPreference  float64
}

// DefaultPolicyWeights mirrors the teacher's tool-scoring defaults
// (runtime/registry's relevance-blend constants), retuned for the five
// factors named in SPEC_FULL.md §4.5 step 3.
func DefaultPolicyWeights() PolicyWeights {
	return PolicyWeights{
		Semantic:       0.45,
		PlatformFit:    0.10,
		SecurityFit:    0.15,
		ResourceFit:    0.10,
		SuccessRate:    0.15,
		UserPreference: 0.05,
	}
}

// Reranker optionally reorders the top-K candidates with a cross-encoder or
// other joint query/candidate model. Implementations should return an error
// (rather than panic) on any failure so Select can fall back to the linear
// score, per SPEC_FULL.md §4.5 step 4.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Ranking) ([]Ranking, error)
}

// Selector ranks registered tools against a Query, per SPEC_FULL.md §4.5.
type Selector struct {
	registry *Registry
	embedder Embedder
	weights  PolicyWeights
	reranker Reranker
	rerankK  int
	ceiling  tools.SecurityLevel
	obs      *Observability
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithPolicyWeights overrides the default factor weights.
func WithPolicyWeights(w PolicyWeights) SelectorOption {
	return func(s *Selector) { s.weights = w }
}

// WithReranker installs a cross-encoder style reranker applied to the
// top rerankK candidates (default 20) before truncation to TopN.
func WithReranker(r Reranker, rerankK int) SelectorOption {
	return func(s *Selector) {
		s.reranker = r
		if rerankK > 0 {
			s.rerankK = rerankK
		}
	}
}

// WithSecurityCeiling caps which tools are eligible regardless of score;
// zero (tools.SecuritySafe) disables the ceiling check at this layer,
// leaving it to the caller/pipeline.
func WithSecurityCeiling(ceiling tools.SecurityLevel) SelectorOption {
	return func(s *Selector) { s.ceiling = ceiling }
}

// WithSelectorObservability attaches structured logging/metrics/tracing.
func WithSelectorObservability(obs *Observability) SelectorOption {
	return func(s *Selector) { s.obs = obs }
}

// NewSelector constructs a Selector over registry, embedding queries with
// embedder (usually the same embedder the registry uses for tool
// descriptors, so vectors live in the same space).
func NewSelector(registry *Registry, embedder Embedder, opts ...SelectorOption) *Selector {
	s := &Selector{
		registry: registry,
		embedder: embedder,
		weights:  DefaultPolicyWeights(),
		rerankK:  20,
		obs:      NewObservability(nil, nil, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select implements the four-step algorithm of SPEC_FULL.md §4.5: embed,
// score by cosine similarity, blend with policy weights, optionally
// rerank the top-K, then filter/truncate. Ties are broken by lexicographic
// tool id so repeated calls with identical inputs are deterministic.
func (s *Selector) Select(ctx context.Context, q Query, opts SelectOptions) ([]Ranking, error) {
	start := time.Now()
	ctx, span := s.obs.StartSpan(ctx, OpSelect)
	var outcome OperationOutcome
	var opErr error
	var results []Ranking
	defer func() {
		s.obs.LogOperation(ctx, OperationEvent{Operation: OpSelect, Query: q.Text, Duration: time.Since(start), Outcome: outcome, Error: errString(opErr), ResultCount: len(results)})
		s.obs.RecordOperationMetrics(OperationEvent{Operation: OpSelect, Outcome: outcome, Duration: time.Since(start)})
		s.obs.EndSpan(span, outcome, opErr)
	}()

	if q.Text == "" {
		outcome = OutcomeError
		opErr = fmt.Errorf("selector: query text is required")
		return nil, opErr
	}

	queryVec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("selector: embed query: %w", err)
		return nil, opErr
	}

	previous := make(map[tools.Ident]bool, len(q.PreviousTools))
	for _, id := range q.PreviousTools {
		previous[id] = true
	}

	s.registry.mu.RLock()
	candidates := make([]Ranking, 0, len(s.registry.tools))
	reasons := make(map[tools.Ident]string, len(s.registry.tools))
	for id, e := range s.registry.tools {
		if s.ceiling != 0 && e.meta.SecurityLevel > s.ceiling {
			continue
		}
		sem := cosineSimilarity(queryVec, e.embedding)
		if sem < 0 {
			sem = 0
		}

		platformFit := 1.0
		if opts.Platform != "" {
			if e.spec.Service == opts.Platform {
				platformFit = 1.0
			} else {
				platformFit = 0.3
			}
		}

		securityFit := securityFitScore(e.meta.SecurityLevel, q.Urgency)
		resourceFit := resourceFitScore(e.meta.Resources, q.Complexity)

		e.mu.Lock()
		successRate := e.successEMA
		hasOutcomes := e.hasOutcomes
		e.mu.Unlock()
		if !hasOutcomes {
			successRate = e.meta.RecentSuccessRate
		}

		userPref := 0.5
		if previous[id] {
			userPref = 0.8
		}

		combined := s.weights.Semantic*sem +
			s.weights.PlatformFit*platformFit +
			s.weights.SecurityFit*securityFit +
			s.weights.ResourceFit*resourceFit +
			s.weights.SuccessRate*successRate +
			s.weights.UserPreference*userPref
		combined = clamp01(combined)

		reason := fmt.Sprintf(
			"semantic=%.2f platform_fit=%.2f security_fit=%.2f resource_fit=%.2f success_rate=%.2f user_pref=%.2f",
			sem, platformFit, securityFit, resourceFit, successRate, userPref,
		)
		reasons[id] = reason

		candidates = append(candidates, Ranking{ToolName: id, SemanticScore: sem, CombinedScore: combined, Reasoning: reason})
	}
	s.registry.mu.RUnlock()

	sortRankings(candidates)

	if opts.MinSimilarity > 0 {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c.SemanticScore >= opts.MinSimilarity {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	if s.reranker != nil && len(candidates) > 0 {
		k := s.rerankK
		if k > len(candidates) {
			k = len(candidates)
		}
		reranked, rerankErr := s.reranker.Rerank(ctx, q.Text, candidates[:k])
		if rerankErr != nil {
			s.obs.LogOperation(ctx, OperationEvent{Operation: OpRerank, Query: q.Text, Outcome: OutcomeFallback, Error: rerankErr.Error()})
		} else {
			sortRankings(reranked)
			candidates = append(reranked, candidates[k:]...)
		}
	}

	if opts.TopN > 0 && opts.TopN < len(candidates) {
		candidates = candidates[:opts.TopN]
	}

	outcome = OutcomeSuccess
	results = candidates
	return results, nil
}

func sortRankings(rs []Ranking) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CombinedScore != rs[j].CombinedScore {
			return rs[i].CombinedScore > rs[j].CombinedScore
		}
		return rs[i].ToolName < rs[j].ToolName
	})
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// securityFitScore rewards low-risk tools, with urgency loosening the
// penalty: an urgent request tolerates a riskier tool more readily.
func securityFitScore(level tools.SecurityLevel, urgency float64) float64 {
	base := 1.0 - float64(level)/float64(tools.SecurityCritical)
	if base < 0 {
		base = 0
	}
	urgency = clamp01(urgency)
	return base + urgency*(1-base)*0.5
}

// resourceFitScore rewards tools whose declared resource footprint is
// proportionate to the request's estimated complexity: a trivial request
// favors a cheap tool, a complex one tolerates a heavier one.
func resourceFitScore(req tools.ResourceRequirements, complexity float64) float64 {
	complexity = clamp01(complexity)
	cpuNorm := clamp01(req.CPUCores / 4.0)
	memNorm := clamp01(float64(req.MemoryMB) / 2048.0)
	footprint := (cpuNorm + memNorm) / 2
	// distance between the tool's footprint and the request's complexity;
	// closer is better.
	return 1 - math.Abs(footprint-complexity)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
