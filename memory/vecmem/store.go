package vecmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// bucketFor names the bbolt bucket backing each layer. One bucket per layer,
// per SPEC_FULL.md §4.2.
func bucketFor(l Layer) []byte {
	return []byte("layer_" + l.String())
}

var (
	// ErrShrinkBelowPopulation is returned by SetMaxElements when n is smaller
	// than a layer's current population.
	ErrShrinkBelowPopulation = errors.New("vecmem: cannot shrink below current population")
	// ErrNotFound is returned by GetByID/DeleteByID for a missing record.
	ErrNotFound = errors.New("vecmem: record not found")
)

// layerIndex is the in-memory brute-force-exact ANN index for one layer,
// rebuilt from bbolt on open. A multi-reader/single-writer lock matches the
// discipline of SPEC_FULL.md §5: batches take the writer once per batch.
type layerIndex struct {
	mu      sync.RWMutex
	records map[string]*Record
	maxElem int
}

func newLayerIndex() *layerIndex {
	return &layerIndex{records: make(map[string]*Record)}
}

func (li *layerIndex) candidates() []Candidate {
	li.mu.RLock()
	defer li.mu.RUnlock()
	out := make([]Candidate, 0, len(li.records))
	for id, r := range li.records {
		out = append(out, Candidate{ID: id, Vec: r.Embedding})
	}
	return out
}

// Store is the tiered, bbolt-persisted Vector Store of SPEC_FULL.md §4.2.
// Each layer owns an independent bucket and an independent in-memory ANN
// index; iterators reflect a snapshot taken at creation time.
type Store struct {
	db     *bbolt.DB
	dim    int
	kernel *Kernel

	layers map[Layer]*layerIndex
}

// Open opens (creating if absent) a bbolt-backed Store at path with the
// given fixed embedding dimension, and rebuilds every layer's in-memory
// index from persisted records.
func Open(path string, dim int) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("vecmem: open bbolt db: %w", err)
	}
	s := &Store{db: db, dim: dim, kernel: NewKernel(), layers: make(map[Layer]*layerIndex)}
	for _, l := range Layers {
		s.layers[l] = newLayerIndex()
	}
	if err := s.rebuildIndexes(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying bbolt handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rebuildIndexes() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, l := range Layers {
			b, err := tx.CreateBucketIfNotExists(bucketFor(l))
			if err != nil {
				return err
			}
			idx := s.layers[l]
			if err := b.ForEach(func(k, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("vecmem: corrupt record %s in layer %s: %w", k, l, err)
				}
				idx.records[rec.ID] = &rec
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Insert appends record to its layer. Idempotent on identity: re-inserting
// the same id overwrites the prior content.
func (s *Store) Insert(record *Record) error {
	return s.InsertBatch([]*Record{record})
}

// InsertBatch is atomic with respect to readers on a per-layer basis: a
// reader observes either all or none of a batch's new members for a given
// layer, satisfying the insert_batch invariant of §4.2 and §8.
func (s *Store) InsertBatch(records []*Record) error {
	byLayer := make(map[Layer][]*Record)
	for _, r := range records {
		if err := r.Validate(s.dim); err != nil {
			return err
		}
		byLayer[r.Layer] = append(byLayer[r.Layer], r)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for layer, recs := range byLayer {
			b := tx.Bucket(bucketFor(layer))
			for _, r := range recs {
				raw, err := json.Marshal(r)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(r.ID), raw); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("vecmem: insert_batch: %w", err)
	}

	for layer, recs := range byLayer {
		idx := s.layers[layer]
		idx.mu.Lock()
		for _, r := range recs {
			idx.records[r.ID] = r.clone()
		}
		idx.mu.Unlock()
	}
	return nil
}

// Search returns the top-k records in layer closest to queryVec, with
// scores in [0,1] (higher = closer), derived from the kernel's cosine
// distance as `1 - distance` and clamped at 0.
func (s *Store) Search(queryVec []float32, layer Layer, k int) ([]*Record, error) {
	idx, ok := s.layers[layer]
	if !ok {
		return nil, fmt.Errorf("vecmem: unknown layer %v", layer)
	}
	candidates := idx.candidates()
	scored := s.kernel.BatchTopK(queryVec, candidates, k)

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Record, 0, len(scored))
	for _, sc := range scored {
		r, ok := idx.records[sc.ID]
		if !ok {
			continue // deleted concurrently with the search; never surfaced
		}
		cp := r.clone()
		score := 1 - sc.Distance
		if score < 0 {
			score = 0
		}
		cp.Score = score
		out = append(out, cp)
	}
	return out, nil
}

// GetByID looks up a record by id within layer.
func (s *Store) GetByID(id string, layer Layer) (*Record, error) {
	idx, ok := s.layers[layer]
	if !ok {
		return nil, fmt.Errorf("vecmem: unknown layer %v", layer)
	}
	idx.mu.RLock()
	r, ok := idx.records[id]
	idx.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

// DeleteByID removes a record from layer. Never makes a deleted id
// observable to a subsequent Search.
func (s *Store) DeleteByID(id string, layer Layer) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFor(layer)).Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("vecmem: delete_by_id: %w", err)
	}
	idx := s.layers[layer]
	idx.mu.Lock()
	delete(idx.records, id)
	idx.mu.Unlock()
	return nil
}

// IterLayer returns a snapshot of every record currently in layer, taken at
// call time; later mutations are not reflected in the returned slice.
func (s *Store) IterLayer(layer Layer) ([]*Record, error) {
	idx, ok := s.layers[layer]
	if !ok {
		return nil, fmt.Errorf("vecmem: unknown layer %v", layer)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Record, 0, len(idx.records))
	for _, r := range idx.records {
		out = append(out, r.clone())
	}
	return out, nil
}

// UpdateAccess bumps last_access to now and increments access_count.
// Increments are at-least-once under concurrency, per §4.2 and §5.
func (s *Store) UpdateAccess(layer Layer, id string) error {
	idx, ok := s.layers[layer]
	if !ok {
		return fmt.Errorf("vecmem: unknown layer %v", layer)
	}
	idx.mu.Lock()
	r, ok := idx.records[id]
	if !ok {
		idx.mu.Unlock()
		return ErrNotFound
	}
	r.LastAccess = time.Now()
	r.AccessCount++
	snapshot := r.clone()
	idx.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFor(layer)).Put([]byte(id), raw)
	})
}

// SetMaxElements resizes every layer's index capacity. Shrinking below the
// current population fails, per §4.2.
func (s *Store) SetMaxElements(n int) error {
	for _, idx := range s.layers {
		idx.mu.Lock()
		if n < len(idx.records) {
			idx.mu.Unlock()
			return ErrShrinkBelowPopulation
		}
		idx.maxElem = n
		idx.mu.Unlock()
	}
	return nil
}

// MoveRecord atomically relocates a record from one layer to another:
// insert into the target layer then delete from the source, matching the
// promotion atomicity invariant of §4.4.
func (s *Store) MoveRecord(id string, from, to Layer) error {
	r, err := s.GetByID(id, from)
	if err != nil {
		return err
	}
	r.Layer = to
	if err := s.InsertBatch([]*Record{r}); err != nil {
		return err
	}
	return s.DeleteByID(id, from)
}

// ReconcileDuplicates repairs records present in more than one layer after a
// crash mid-promotion by preferring the higher layer, per §4.4's invariant.
func (s *Store) ReconcileDuplicates() (int, error) {
	seen := make(map[string]Layer)
	for _, l := range Layers {
		idx := s.layers[l]
		idx.mu.RLock()
		for id := range idx.records {
			if cur, ok := seen[id]; !ok || l > cur {
				seen[id] = l
			}
		}
		idx.mu.RUnlock()
	}
	repaired := 0
	for id, keep := range seen {
		for _, l := range Layers {
			if l == keep {
				continue
			}
			if _, err := s.GetByID(id, l); err == nil {
				if err := s.DeleteByID(id, l); err != nil {
					return repaired, err
				}
				repaired++
			}
		}
	}
	return repaired, nil
}
