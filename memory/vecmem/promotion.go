package vecmem

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultPromotionThreshold = 0.7
	defaultSkipLevelScore     = 0.9
)

// featureWeights is a small linear model over one feature group, weights in
// [-5,5] and bias in [-2,2] per SPEC_FULL.md §4.4.
type featureWeights struct {
	W [3]float64
	B float64
}

func (f featureWeights) score(x [3]float64) float64 {
	return f.W[0]*x[0] + f.W[1]*x[1] + f.W[2]*x[2] + f.B
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// ScoreModel computes a record's promotion score, per the weighted-sum +
// logistic-squash design of §4.4. Grounded on
// crates/memory/src/ml_promotion_original_backup.rs for the three feature
// groups (temporal, usage, semantic) and the training-loop shape.
type ScoreModel struct {
	mu       sync.RWMutex
	temporal featureWeights
	usage    featureWeights
	semantic featureWeights
}

// NewScoreModel returns a model with small, deterministic seed weights (not
// yet trained). TrainingCycle replaces these via gradient descent.
func NewScoreModel() *ScoreModel {
	return &ScoreModel{
		temporal: featureWeights{W: [3]float64{-1, 1, 0.5}},
		usage:    featureWeights{W: [3]float64{1.5, 1, 0.5}},
		semantic: featureWeights{W: [3]float64{0.5, 0.5, -0.2}},
	}
}

// Features bundles the three feature groups computed for one record at
// scoring time.
type Features struct {
	// Temporal: age (days), recency-of-access (days since last access),
	// access-pattern regularity in [0,1].
	AgeDays, RecencyDays, Regularity float64
	// Usage: total access count, frequency (accesses/day), session weight.
	AccessCount, Frequency, SessionWeight float64
	// Semantic: keyword density, topic relevance, length normalization.
	KeywordDensity, TopicRelevance, LengthNorm float64
}

// Score computes the record's importance score in [0,1].
func (m *ScoreModel) Score(f Features) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := m.temporal.score([3]float64{f.AgeDays, f.RecencyDays, f.Regularity}) +
		m.usage.score([3]float64{f.AccessCount, f.Frequency, f.SessionWeight}) +
		m.semantic.score([3]float64{f.KeywordDensity, f.TopicRelevance, f.LengthNorm})
	return logistic(sum)
}

// Example is one labeled training point for a TrainingCycle.
type Example struct {
	Features Features
	Label    float64 // 1 = should stay promoted, 0 = should stay/descend
}

// TrainingResult reports the outcome of one training cycle.
type TrainingResult struct {
	Skipped         bool
	Epochs          int
	ValidationAcc   float64
	TrainingSamples int
}

// TrainingCycle runs mini-batch gradient descent over examples, holding out
// 20% for validation and retaining the best weights by validation accuracy,
// per §4.4. If there are too few examples, the cycle is skipped.
func (m *ScoreModel) TrainingCycle(examples []Example, minExamples int) TrainingResult {
	if len(examples) < minExamples {
		return TrainingResult{Skipped: true}
	}

	shuffled := append([]Example(nil), examples...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	split := len(shuffled) * 8 / 10
	if split == 0 {
		split = len(shuffled)
	}
	train, valid := shuffled[:split], shuffled[split:]

	const epochs = 100
	const batchSize = 32
	const lr = 0.05

	best := m.snapshot()
	bestAcc := m.validate(best, valid)

	cur := best
	for epoch := 0; epoch < epochs; epoch++ {
		rand.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
		for start := 0; start < len(train); start += batchSize {
			end := min(start+batchSize, len(train))
			cur = m.stepBatch(cur, train[start:end], lr)
		}
		if acc := m.validate(cur, valid); acc > bestAcc {
			bestAcc = acc
			best = cur
		}
	}

	m.mu.Lock()
	m.temporal, m.usage, m.semantic = best.temporal, best.usage, best.semantic
	m.mu.Unlock()

	return TrainingResult{Epochs: epochs, ValidationAcc: bestAcc, TrainingSamples: len(train)}
}

type weightSnapshot struct {
	temporal, usage, semantic featureWeights
}

func (m *ScoreModel) snapshot() weightSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return weightSnapshot{m.temporal, m.usage, m.semantic}
}

func (m *ScoreModel) scoreWith(w weightSnapshot, f Features) float64 {
	sum := w.temporal.score([3]float64{f.AgeDays, f.RecencyDays, f.Regularity}) +
		w.usage.score([3]float64{f.AccessCount, f.Frequency, f.SessionWeight}) +
		w.semantic.score([3]float64{f.KeywordDensity, f.TopicRelevance, f.LengthNorm})
	return logistic(sum)
}

func (m *ScoreModel) validate(w weightSnapshot, examples []Example) float64 {
	if len(examples) == 0 {
		return 0
	}
	correct := 0
	for _, ex := range examples {
		pred := m.scoreWith(w, ex.Features)
		if (pred >= 0.5) == (ex.Label >= 0.5) {
			correct++
		}
	}
	return float64(correct) / float64(len(examples))
}

// stepBatch performs one mini-batch gradient-descent step, numerically
// estimating gradients via finite differences to keep the model free of a
// hand-rolled autodiff layer for nine scalar weights.
func (m *ScoreModel) stepBatch(w weightSnapshot, batch []Example, lr float64) weightSnapshot {
	const eps = 1e-3
	loss := func(w weightSnapshot) float64 {
		var total float64
		for _, ex := range batch {
			pred := m.scoreWith(w, ex.Features)
			diff := pred - ex.Label
			total += diff * diff
		}
		return total / float64(len(batch))
	}

	groups := []*featureWeights{&w.temporal, &w.usage, &w.semantic}
	base := loss(w)
	for _, g := range groups {
		for i := range g.W {
			orig := g.W[i]
			g.W[i] = orig + eps
			grad := (loss(w) - base) / eps
			g.W[i] = clamp(orig-lr*grad, -5, 5)
		}
		origB := g.B
		g.B = origB + eps
		grad := (loss(w) - base) / eps
		g.B = clamp(origB-lr*grad, -2, 2)
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Direction reports which way (and whether) a record should move.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp
	DirectionDown
	DirectionSkipToAssets
)

// Decide applies the promotion rule of §4.4: promote when score meets the
// threshold and access count exceeds the per-layer minimum; an exceptional
// score (>0.9) from Interact skips directly to Assets only when
// allowSkipLevel is set (the spec's configurable "skip-level" flag resolving
// the Interact→Assets-in-one-cycle open question).
func Decide(layer Layer, score float64, accessCount uint64, minAccess map[Layer]uint64, threshold float64, allowSkipLevel bool) Direction {
	if threshold <= 0 {
		threshold = defaultPromotionThreshold
	}
	min := minAccess[layer]
	if score < threshold || accessCount <= min {
		return DirectionNone
	}
	if layer == LayerInteract && score > defaultSkipLevelScore && allowSkipLevel {
		return DirectionSkipToAssets
	}
	if layer < LayerAssets {
		return DirectionUp
	}
	return DirectionNone
}

// Engine periodically runs TrainingCycle and applies Decide across a Store's
// records, moving them between layers. Scheduling uses robfig/cron/v3, per
// §4.4's "periodically (interval in hours)" requirement.
type Engine struct {
	store          *Store
	model          *ScoreModel
	cron           *cron.Cron
	minAccess      map[Layer]uint64
	threshold      float64
	allowSkipLevel bool
	featuresFor    func(*Record) Features
	labelsFor      func([]*Record) []Example
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithThreshold(t float64) EngineOption {
	return func(e *Engine) { e.threshold = t }
}

func WithSkipLevel(allow bool) EngineOption {
	return func(e *Engine) { e.allowSkipLevel = allow }
}

func WithMinAccess(m map[Layer]uint64) EngineOption {
	return func(e *Engine) { e.minAccess = m }
}

func WithFeatureExtractor(fn func(*Record) Features) EngineOption {
	return func(e *Engine) { e.featuresFor = fn }
}

func WithLabelFunc(fn func([]*Record) []Example) EngineOption {
	return func(e *Engine) { e.labelsFor = fn }
}

// NewEngine constructs a Promotion Engine over store.
func NewEngine(store *Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		model:       NewScoreModel(),
		cron:        cron.New(),
		minAccess:   map[Layer]uint64{LayerInteract: 2, LayerInsights: 5},
		threshold:   defaultPromotionThreshold,
		featuresFor: defaultFeatures,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start schedules a training+promotion cycle every intervalHours hours.
func (e *Engine) Start(ctx context.Context, intervalHours int) error {
	if intervalHours <= 0 {
		intervalHours = 6
	}
	spec := "@every " + time.Duration(intervalHours*int(time.Hour)).String()
	_, err := e.cron.AddFunc(spec, func() { _ = e.RunCycle(ctx) })
	if err != nil {
		return err
	}
	e.cron.Start()
	go func() {
		<-ctx.Done()
		e.cron.Stop()
	}()
	return nil
}

// RunCycle trains (if a label function and enough data are available) and
// then evaluates every record across every layer, applying promotions.
func (e *Engine) RunCycle(ctx context.Context) error {
	if e.labelsFor != nil {
		var all []*Record
		for _, l := range Layers {
			recs, err := e.store.IterLayer(l)
			if err != nil {
				return err
			}
			all = append(all, recs...)
		}
		examples := e.labelsFor(all)
		e.model.TrainingCycle(examples, 32)
	}

	// Walk layers from the top down so a record promoted in this cycle is not
	// evaluated again in the layer it was moved into.
	for i := len(Layers) - 1; i >= 0; i-- {
		layer := Layers[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		recs, err := e.store.IterLayer(layer)
		if err != nil {
			return err
		}
		for _, r := range recs {
			score := e.model.Score(e.featuresFor(r))
			dir := Decide(layer, score, r.AccessCount, e.minAccess, e.threshold, e.allowSkipLevel)
			switch dir {
			case DirectionUp:
				if err := e.store.MoveRecord(r.ID, layer, layer+1); err != nil {
					return err
				}
			case DirectionSkipToAssets:
				if err := e.store.MoveRecord(r.ID, layer, LayerAssets); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func defaultFeatures(r *Record) Features {
	now := time.Now()
	age := now.Sub(r.CreatedAt).Hours() / 24
	recency := now.Sub(r.LastAccess).Hours() / 24
	freq := 0.0
	if age > 0 {
		freq = float64(r.AccessCount) / age
	}
	return Features{
		AgeDays:        age,
		RecencyDays:    recency,
		Regularity:     0.5,
		AccessCount:    float64(r.AccessCount),
		Frequency:      freq,
		SessionWeight:  1,
		KeywordDensity: 0,
		TopicRelevance: 0,
		LengthNorm:     math.Min(1, float64(len(r.Text))/2000),
	}
}
