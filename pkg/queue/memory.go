package queue

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/ava-labs/fallback-queue/pkg/metrics"
)

// MemoryQueue is an in-process FIFO with competing consumers.
//
// Messages live only in this process: there is no persistence and no
// redelivery. A message whose handler fails is logged and dropped. With a
// single consumer, messages are handled in Put order; with several consumers
// only the order in which messages are taken off the queue is FIFO.
type MemoryQueue struct {
	name     string
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	disp     *dispatcher
	maxDepth int

	mu        sync.Mutex
	cond      *sync.Cond
	items     [][]byte
	stopping  bool
	consumers int

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a standalone in-process queue. maxDepth bounds the
// number of pending messages; 0 means unbounded.
func NewMemoryQueue(log *zap.SugaredLogger, name string, maxDepth int) (*MemoryQueue, error) {
	if log == nil {
		return nil, ErrInvalidLogger
	}
	if name == "" {
		return nil, ErrEmptyQueueName
	}
	disp := &dispatcher{
		ctx:     context.Background(),
		log:     log,
		tracer:  noop.NewTracerProvider().Tracer(tracerName),
		backend: BackendFallback,
	}
	return newMemoryQueue(log, nil, disp, name, maxDepth), nil
}

func newMemoryQueue(log *zap.SugaredLogger, m *metrics.Metrics, disp *dispatcher, name string, maxDepth int) *MemoryQueue {
	q := &MemoryQueue{
		name:     name,
		log:      log.With("queue", name),
		metrics:  m,
		disp:     disp,
		maxDepth: maxDepth,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string { return q.name }

// Put appends payload and wakes one waiting consumer. It never blocks.
func (q *MemoryQueue) Put(payload []byte) error {
	q.mu.Lock()
	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		q.mu.Unlock()
		return fmt.Errorf("%w: %q holds %d messages", ErrQueueFull, q.name, q.maxDepth)
	}
	q.items = append(q.items, payload)
	q.metrics.SetFallbackDepth(q.name, len(q.items))
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// Get removes and returns the head of the queue, blocking until a message is
// available or ctx is done.
func (q *MemoryQueue) Get(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		q.cond.Wait()
	}
	payload := q.pop()
	q.mu.Unlock()
	return payload, nil
}

// pop removes the head. Callers must hold mu and ensure the queue is non-empty.
func (q *MemoryQueue) pop() []byte {
	payload := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	q.metrics.SetFallbackDepth(q.name, len(q.items))
	return payload
}

// StartConsumer starts workers consumer loops. Calls are additive: loops
// started earlier keep running.
func (q *MemoryQueue) StartConsumer(handler Handler, workers int) error {
	if err := validateRegistration(q.name, handler, workers); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		return ErrStopped
	}

	for range workers {
		q.consumers++
		q.active.Add(1)
		q.metrics.IncActiveWorkers(q.name)
		q.wg.Add(1)
		go q.consume(handler)
	}

	q.log.Infow("started fallback consumers", "workers", workers, "consumers", q.consumers)
	return nil
}

func (q *MemoryQueue) consume(handler Handler) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.consumers--
		q.mu.Unlock()
		q.active.Add(-1)
		q.metrics.DecActiveWorkers(q.name)
	}()

	for {
		payload, ok := q.next()
		if !ok {
			return
		}

		if err := q.disp.dispatch(q.name, handler, payload); err != nil {
			q.log.Errorw("handler failed, dropping message", "size", len(payload), "error", err)
		}
	}
}

// next blocks until a message is available or the queue is stopping. The stop
// flag wins over pending messages, which stay queued.
func (q *MemoryQueue) next() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stopping {
		q.cond.Wait()
	}
	if q.stopping {
		return nil, false
	}
	return q.pop(), true
}

func (q *MemoryQueue) signalStop() {
	q.mu.Lock()
	q.stopping = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *MemoryQueue) waitStopped(ctx context.Context) error {
	if err := waitGroupWithContext(ctx, &q.wg); err != nil {
		return fmt.Errorf("wait for consumers of queue %q: %w", q.name, err)
	}
	return nil
}

// StopConsumer signals every consumer loop to exit and waits for them. A
// handler that is running completes first. Pending messages are kept and the
// queue accepts new consumers once every loop has exited.
func (q *MemoryQueue) StopConsumer(ctx context.Context) error {
	q.signalStop()
	if err := q.waitStopped(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	q.stopping = false
	q.mu.Unlock()

	q.log.Infow("stopped fallback consumers", "pending", q.Qsize())
	return nil
}

// Clear drops every pending message and returns how many were dropped.
func (q *MemoryQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.metrics.SetFallbackDepth(q.name, 0)
	return n
}

// Qsize returns the number of pending messages.
func (q *MemoryQueue) Qsize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ConsumerCount returns the number of consumer loops that have not exited.
func (q *MemoryQueue) ConsumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumers
}

// Running reports whether the queue has consumers and is not stopping.
func (q *MemoryQueue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumers > 0 && !q.stopping
}

func (q *MemoryQueue) stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:         len(q.items),
		ConsumerCount: q.consumers,
		Running:       q.consumers > 0 && !q.stopping,
	}
}

// memoryBackend is the fallback Backend: one MemoryQueue per queue name,
// created on first use.
type memoryBackend struct {
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	disp     *dispatcher
	maxDepth int

	mu      sync.Mutex
	queues  map[string]*MemoryQueue
	stopped bool
}

func newMemoryBackend(log *zap.SugaredLogger, m *metrics.Metrics, disp *dispatcher, maxDepth int) *memoryBackend {
	return &memoryBackend{
		log:      log,
		metrics:  m,
		disp:     disp,
		maxDepth: maxDepth,
		queues:   make(map[string]*MemoryQueue),
	}
}

func (b *memoryBackend) Type() BackendType { return BackendFallback }

// queue returns the named queue, creating it if needed.
func (b *memoryBackend) queue(name string) (*MemoryQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, ErrStopped
	}
	q, ok := b.queues[name]
	if !ok {
		q = newMemoryQueue(b.log, b.metrics, b.disp, name, b.maxDepth)
		b.queues[name] = q
		b.log.Debugw("created fallback queue", "queue", name)
	}
	return q, nil
}

func (b *memoryBackend) Publish(ctx context.Context, msg Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q, err := b.queue(msg.Queue)
	if err != nil {
		return err
	}
	return q.Put(msg.Value)
}

func (b *memoryBackend) RegisterConsumer(queue string, handler Handler, workers int) error {
	if err := validateRegistration(queue, handler, workers); err != nil {
		return err
	}
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	return q.StartConsumer(handler, workers)
}

func (b *memoryBackend) Stats() map[string]QueueStats {
	b.mu.Lock()
	queues := maps.Clone(b.queues)
	b.mu.Unlock()

	stats := make(map[string]QueueStats, len(queues))
	for name, q := range queues {
		stats[name] = q.stats()
	}
	return stats
}

func (b *memoryBackend) ActiveWorkers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, q := range b.queues {
		n += q.active.Load()
	}
	return int(n)
}

// Stop signals every queue before waiting on any of them so that all loops
// wind down concurrently.
func (b *memoryBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	queues := make([]*MemoryQueue, 0, len(b.queues))
	for _, name := range slices.Sorted(maps.Keys(b.queues)) {
		queues = append(queues, b.queues[name])
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.signalStop()
	}
	for _, q := range queues {
		if err := q.waitStopped(ctx); err != nil {
			b.log.Warnw("fallback consumers still running at shutdown", "queue", q.name, "error", err)
			return err
		}
	}

	var pending int
	for _, q := range queues {
		pending += q.Qsize()
	}
	if pending > 0 {
		b.log.Warnw("fallback backend stopped with undelivered messages, they are lost", "pending", pending)
	}
	b.log.Info("fallback backend stopped")
	return nil
}
