package vecmem

import (
	"context"
	"fmt"
)

// Embedder is the external embedding backend interface consumed by the
// Memory Service, per SPEC_FULL.md §6: deterministic for identical inputs,
// with a fixed dimension established at construction.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service is the Memory Service facade of SPEC_FULL.md §2: it combines the
// embedding cache, the tiered Store, the BatchProcessor, and the Promotion
// Engine behind a single entry point so callers never touch the layer
// internals directly.
type Service struct {
	store     *Store
	batch     *BatchProcessor
	promotion *Engine
	cache     *EmbeddingCache
	embedder  Embedder
}

// NewService wires the four Memory subsystem components into one facade.
func NewService(store *Store, batch *BatchProcessor, promotion *Engine, cache *EmbeddingCache, embedder Embedder) *Service {
	return &Service{store: store, batch: batch, promotion: promotion, cache: cache, embedder: embedder}
}

// Remember embeds text (using the cache when possible), builds a Record, and
// routes the insert through the BatchProcessor.
func (s *Service) Remember(ctx context.Context, text string, layer Layer, kind string, tags []string) (*Record, error) {
	embedding, err := s.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("vecmem: remember: %w", err)
	}
	rec := NewRecord(text, embedding, layer)
	rec.Kind = kind
	rec.Tags = tags
	if err := s.batch.InsertBatch(ctx, layer, []*Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Recall embeds query and searches a single layer, bumping access stats on
// every hit. Cross-layer search is an explicit caller-side loop over
// Layers, per the open-question resolution in SPEC_FULL.md §9 ("all layers"
// is a convenience built on the single-layer primitive, not a primitive
// itself).
func (s *Service) Recall(ctx context.Context, query string, layer Layer, topK int) ([]*Record, error) {
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vecmem: recall: %w", err)
	}
	results, err := s.batch.Search(ctx, layer, vec, topK)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		_ = s.store.UpdateAccess(layer, r.ID)
	}
	return results, nil
}

// RecallAllLayers is the "all layers" convenience named in §9: it runs Recall
// against every layer and merges results by score, descending.
func (s *Service) RecallAllLayers(ctx context.Context, query string, topK int) ([]*Record, error) {
	var all []*Record
	for _, l := range Layers {
		results, err := s.Recall(ctx, query, l, topK)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Score > all[j-1].Score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if topK >= 0 && topK < len(all) {
		all = all[:topK]
	}
	return all, nil
}

// RunPromotionCycle triggers an out-of-band promotion evaluation immediately
// (beyond the Engine's own cron schedule), used by tests and administrative
// tooling.
func (s *Service) RunPromotionCycle(ctx context.Context) error {
	return s.promotion.RunCycle(ctx)
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(text); ok {
			return v, nil
		}
	}
	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(text, v)
	}
	return v, nil
}
