package vecmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQueueFull is the typed "queue full" error of SPEC_FULL.md §4.3.
var ErrQueueFull = errors.New("vecmem: batch queue full")

// requestKind groups requests for per-kind, per-layer batching.
type requestKind int

const (
	kindInsert requestKind = iota
	kindSearch
	kindBatchSearch
)

type batchRequest struct {
	kind     requestKind
	layer    Layer
	records  []*Record   // kindInsert
	query    []float32   // kindSearch
	queries  [][]float32 // kindBatchSearch
	topK     int
	respond  chan batchResponse
}

type batchResponse struct {
	results [][]*Record // one slice per query; len 1 for single search/insert ack
	err     error
}

const (
	defaultMinBatchSize = 8
	defaultMaxBatchSize = 512
	defaultTargetLatency = 5 * time.Millisecond
	defaultCooldown      = 100 * time.Millisecond
)

// BatchProcessor coalesces high-rate insert/search requests into batches
// sized to meet a latency target, per SPEC_FULL.md §4.3. Workers follow the
// "single reactor loop per worker: select { request | timeout }" pattern
// called for in §9, grounded on the teacher's toolregistry/executor and
// agents/runtime stream fan-in reactor style.
type BatchProcessor struct {
	store *Store

	queue   chan *batchRequest
	workers int

	minBatch int
	maxBatch int32 // adjusted atomically-by-convention under batchMu
	ceiling  int
	batchTimeout time.Duration
	target       time.Duration

	batchMu    sync.Mutex
	latencies  []time.Duration
	lastAdjust time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// BatchProcessorOption configures a BatchProcessor at construction.
type BatchProcessorOption func(*BatchProcessor)

func WithWorkers(n int) BatchProcessorOption {
	return func(b *BatchProcessor) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithBatchBounds(min, maxCeiling int) BatchProcessorOption {
	return func(b *BatchProcessor) {
		if min > 0 {
			b.minBatch = min
		}
		if maxCeiling > 0 {
			b.ceiling = maxCeiling
		}
	}
}

func WithBatchTimeout(d time.Duration) BatchProcessorOption {
	return func(b *BatchProcessor) { b.batchTimeout = d }
}

// NewBatchProcessor starts workers workers reading from a bounded request
// queue. Call Stop to shut down gracefully.
func NewBatchProcessor(ctx context.Context, store *Store, queueSize int, opts ...BatchProcessorOption) *BatchProcessor {
	runCtx, cancel := context.WithCancel(ctx)
	b := &BatchProcessor{
		store:        store,
		queue:        make(chan *batchRequest, queueSize),
		workers:      4,
		minBatch:     defaultMinBatchSize,
		maxBatch:     int32(defaultMaxBatchSize),
		ceiling:      defaultMaxBatchSize * 4,
		batchTimeout: 150 * time.Microsecond,
		target:       defaultTargetLatency,
		lastAdjust:   time.Now(),
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.runWorker(runCtx)
	}
	return b
}

// Stop cancels the workers and waits for them to exit. Requests a worker had
// collected, and requests still in the queue when the workers exit, are
// answered with an error, per §4.3's shutdown invariant. Requests submitted
// after Stop returns are not answered; the caller's context bounds the wait.
func (b *BatchProcessor) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *BatchProcessor) submit(ctx context.Context, req *batchRequest) (batchResponse, error) {
	req.respond = make(chan batchResponse, 1)
	select {
	case b.queue <- req:
	default:
		return batchResponse{}, ErrQueueFull
	}
	select {
	case resp := <-req.respond:
		return resp, resp.err
	case <-ctx.Done():
		return batchResponse{}, ctx.Err()
	}
}

// InsertBatch enqueues records for batched insertion into layer.
func (b *BatchProcessor) InsertBatch(ctx context.Context, layer Layer, records []*Record) error {
	_, err := b.submit(ctx, &batchRequest{kind: kindInsert, layer: layer, records: records})
	return err
}

// Search enqueues a single-query search against layer.
func (b *BatchProcessor) Search(ctx context.Context, layer Layer, query []float32, topK int) ([]*Record, error) {
	resp, err := b.submit(ctx, &batchRequest{kind: kindSearch, layer: layer, query: query, topK: topK})
	if err != nil {
		return nil, err
	}
	if len(resp.results) == 0 {
		return nil, nil
	}
	return resp.results[0], nil
}

// BatchSearch enqueues multiple queries against layer, coalesced into the
// same underlying batch where request timing allows.
func (b *BatchProcessor) BatchSearch(ctx context.Context, layer Layer, queries [][]float32, topK int) ([][]*Record, error) {
	resp, err := b.submit(ctx, &batchRequest{kind: kindBatchSearch, layer: layer, queries: queries, topK: topK})
	if err != nil {
		return nil, err
	}
	return resp.results, nil
}

// runWorker implements the adaptive-batching reactor loop: accumulate
// requests until max_batch_size is reached or batch_timeout elapses,
// whichever comes first, then execute the accumulated batch as one unit.
func (b *BatchProcessor) runWorker(ctx context.Context) {
	defer b.wg.Done()
	for {
		pending, ok := b.collect(ctx)
		if !ok {
			shutdownErr := fmt.Errorf("vecmem: batch processor shutting down")
			for _, req := range pending {
				req.respond <- batchResponse{err: shutdownErr}
			}
			for {
				select {
				case req := <-b.queue:
					req.respond <- batchResponse{err: shutdownErr}
				default:
					return
				}
			}
		}
		if len(pending) == 0 {
			continue
		}
		b.processBatch(pending)
	}
}

func (b *BatchProcessor) collect(ctx context.Context) ([]*batchRequest, bool) {
	timer := time.NewTimer(b.batchTimeout)
	defer timer.Stop()

	var pending []*batchRequest
	maxBatch := int(b.maxBatch)
	for {
		select {
		case <-ctx.Done():
			return pending, false
		case req := <-b.queue:
			pending = append(pending, req)
			if len(pending) >= maxBatch {
				return pending, true
			}
		case <-timer.C:
			return pending, true
		}
	}
}

func (b *BatchProcessor) processBatch(reqs []*batchRequest) {
	start := time.Now()
	// Group by (kind, layer); inserts in a group are written with one store
	// call, searches still run once per request.
	groups := make(map[[2]int][]*batchRequest)
	for _, r := range reqs {
		key := [2]int{int(r.kind), int(r.layer)}
		groups[key] = append(groups[key], r)
	}
	for _, group := range groups {
		b.processGroup(group)
	}
	b.recordLatency(time.Since(start))
}

func (b *BatchProcessor) processGroup(reqs []*batchRequest) {
	kind := reqs[0].kind
	layer := reqs[0].layer
	switch kind {
	case kindInsert:
		var all []*Record
		for _, r := range reqs {
			all = append(all, r.records...)
		}
		err := b.store.InsertBatch(all)
		for _, r := range reqs {
			r.respond <- batchResponse{err: err}
		}
	case kindSearch:
		for _, r := range reqs {
			results, err := b.store.Search(r.query, layer, r.topK)
			r.respond <- batchResponse{results: [][]*Record{results}, err: err}
		}
	case kindBatchSearch:
		for _, r := range reqs {
			out := make([][]*Record, len(r.queries))
			var firstErr error
			for i, q := range r.queries {
				res, err := b.store.Search(q, layer, r.topK)
				if err != nil && firstErr == nil {
					firstErr = err
				}
				out[i] = res
			}
			r.respond <- batchResponse{results: out, err: firstErr}
		}
	}
}

// recordLatency feeds the adaptive-sizing ring buffer and adjusts maxBatch
// when the rolling average crosses the target, gated by a cooldown to
// prevent oscillation, per §4.3.
func (b *BatchProcessor) recordLatency(d time.Duration) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	const ringSize = 20
	b.latencies = append(b.latencies, d)
	if len(b.latencies) > ringSize {
		b.latencies = b.latencies[len(b.latencies)-ringSize:]
	}
	if time.Since(b.lastAdjust) < defaultCooldown {
		return
	}
	var sum time.Duration
	for _, l := range b.latencies {
		sum += l
	}
	avg := sum / time.Duration(len(b.latencies))

	cur := int(b.maxBatch)
	switch {
	case avg > b.target:
		cur = max(b.minBatch, cur-cur/10)
	case avg < b.target/2:
		cur = min(b.ceiling, cur+cur/10+1)
	default:
		return
	}
	b.maxBatch = int32(cur)
	b.lastAdjust = time.Now()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
