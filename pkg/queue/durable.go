package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ava-labs/fallback-queue/pkg/metrics"
)

const (
	// prefetchCount keeps at most one unacknowledged message per worker channel.
	prefetchCount      = 1
	defaultContentType = "application/octet-stream"
)

// durableBackend is the broker-backed Backend.
//
// It owns one connection. Publishing goes through a single channel guarded by
// pubMu; every consumer worker opens a private channel of its own so a slow or
// broken consumer cannot stall the others.
type durableBackend struct {
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	disp     *dispatcher
	cfg      Config
	conn     amqpConnection
	closedCh chan *amqp.Error

	pubMu    sync.Mutex
	pubCh    amqpChannel
	declared map[string]struct{}

	// lifecycle serializes RegisterConsumer against Stop
	lifecycle sync.Mutex
	mu        sync.Mutex
	consumers map[string]int
	stopped   bool

	stopCh    chan struct{}
	monitorWg sync.WaitGroup
	wg        sync.WaitGroup
	active    atomic.Int64
	stopOnce  sync.Once
}

type durableWorker struct {
	queue      string
	tag        string
	ch         amqpChannel
	deliveries <-chan amqp.Delivery
}

func newDurableBackend(log *zap.SugaredLogger, m *metrics.Metrics, disp *dispatcher, cfg Config, conn amqpConnection) *durableBackend {
	b := &durableBackend{
		log:       log,
		metrics:   m,
		disp:      disp,
		cfg:       cfg,
		conn:      conn,
		closedCh:  conn.NotifyClose(make(chan *amqp.Error, 1)),
		declared:  make(map[string]struct{}),
		consumers: make(map[string]int),
		stopCh:    make(chan struct{}),
	}

	b.monitorWg.Add(1)
	go b.monitorConnection()

	return b
}

func (b *durableBackend) Type() BackendType { return BackendDurable }

// Publish declares msg.Queue durable the first time this process publishes to
// it, then publishes msg as a persistent message through the default exchange.
func (b *durableBackend) Publish(ctx context.Context, msg Msg) error {
	if b.isStopped() {
		return ErrStopped
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publisherChannel()
	if err != nil {
		return &PublishError{Queue: msg.Queue, Err: err}
	}

	if _, ok := b.declared[msg.Queue]; !ok {
		if _, err := ch.QueueDeclare(msg.Queue, true, false, false, false, nil); err != nil {
			b.resetPublisher()
			return &PublishError{Queue: msg.Queue, Err: fmt.Errorf("declare queue: %w", err)}
		}
		b.declared[msg.Queue] = struct{}{}
		b.touch(msg.Queue)
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	pubCtx, cancel := context.WithTimeout(ctx, *b.cfg.PublishTimeout)
	defer cancel()

	err = ch.PublishWithContext(pubCtx, "", msg.Queue, false, false, amqp.Publishing{
		Headers:      headersTable(msg.Headers),
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         msg.Value,
	})
	if err != nil {
		b.resetPublisher()
		return &PublishError{Queue: msg.Queue, Err: err}
	}

	b.log.Debugw("published message", "queue", msg.Queue, "size", len(msg.Value))
	return nil
}

// publisherChannel returns the publishing channel, opening it if needed.
// Callers must hold pubMu.
func (b *durableBackend) publisherChannel() (amqpChannel, error) {
	if b.pubCh != nil {
		return b.pubCh, nil
	}
	if b.conn.IsClosed() {
		return nil, amqp.ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	b.pubCh = ch
	return ch, nil
}

// resetPublisher drops the publishing channel after a failure; a channel
// exception leaves it unusable. Callers must hold pubMu.
func (b *durableBackend) resetPublisher() {
	if b.pubCh == nil {
		return
	}
	if err := b.pubCh.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.log.Debugw("failed to close publisher channel", "error", err)
	}
	b.pubCh = nil
}

// RegisterConsumer opens one channel per worker, declares the queue durable,
// sets prefetch to one and starts a receive loop with manual acknowledgement.
// Workers started before a failure keep running.
func (b *durableBackend) RegisterConsumer(queue string, handler Handler, workers int) error {
	if err := validateRegistration(queue, handler, workers); err != nil {
		return err
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.isStopped() {
		return ErrStopped
	}

	b.touch(queue)
	for i := range workers {
		w, err := b.openWorker(queue)
		if err != nil {
			return fmt.Errorf("start consumer %d/%d for queue %q: %w", i+1, workers, queue, err)
		}

		b.addConsumer(queue, 1)
		b.active.Add(1)
		b.metrics.IncActiveWorkers(queue)
		b.wg.Add(1)
		go b.consume(w, handler)
	}

	b.log.Infow("started durable consumers", "queue", queue, "workers", workers)
	return nil
}

func (b *durableBackend) openWorker(queue string) (*durableWorker, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	closeOnErr := func(err error) (*durableWorker, error) {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return closeOnErr(fmt.Errorf("declare queue: %w", err))
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return closeOnErr(fmt.Errorf("set qos: %w", err))
	}

	tag := queue + "." + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return closeOnErr(fmt.Errorf("consume: %w", err))
	}

	return &durableWorker{
		queue:      queue,
		tag:        tag,
		ch:         ch,
		deliveries: deliveries,
	}, nil
}

func (b *durableBackend) consume(w *durableWorker, handler Handler) {
	defer b.wg.Done()
	defer func() {
		b.addConsumer(w.queue, -1)
		b.active.Add(-1)
		b.metrics.DecActiveWorkers(w.queue)
	}()
	defer func() {
		// Closing the channel returns any prefetched, unacknowledged delivery to the broker.
		if err := w.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			b.log.Debugw("failed to close consumer channel", "queue", w.queue, "consumer", w.tag, "error", err)
		}
	}()

	b.log.Debugw("durable consumer started", "queue", w.queue, "consumer", w.tag)

	for {
		select {
		case <-b.stopCh:
			b.cancel(w)
			return
		default:
		}

		select {
		case <-b.stopCh:
			b.cancel(w)
			return
		case d, ok := <-w.deliveries:
			if !ok {
				b.log.Warnw("delivery channel closed, durable consumer exiting", "queue", w.queue, "consumer", w.tag)
				return
			}
			b.handle(w, handler, d)
		}
	}
}

func (b *durableBackend) cancel(w *durableWorker) {
	if err := w.ch.Cancel(w.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.log.Warnw("failed to cancel consumer", "queue", w.queue, "consumer", w.tag, "error", err)
	}
	b.log.Debugw("durable consumer stopped", "queue", w.queue, "consumer", w.tag)
}

// handle acks on success and nacks without requeue on failure. There is no
// retry: a failed message is dropped.
func (b *durableBackend) handle(w *durableWorker, handler Handler, d amqp.Delivery) {
	if err := b.disp.dispatch(w.queue, handler, d.Body); err != nil {
		b.log.Errorw("handler failed, dropping message",
			"queue", w.queue,
			"consumer", w.tag,
			"messageID", d.MessageId,
			"deliveryTag", d.DeliveryTag,
			"error", err,
		)
		if nerr := d.Nack(false, false); nerr != nil {
			b.log.Errorw("failed to nack message", "queue", w.queue, "deliveryTag", d.DeliveryTag, "error", nerr)
			return
		}
		b.metrics.RecordAcknowledgement(w.queue, false)
		return
	}

	if err := d.Ack(false); err != nil {
		b.log.Errorw("failed to ack message", "queue", w.queue, "deliveryTag", d.DeliveryTag, "error", err)
		return
	}
	b.metrics.RecordAcknowledgement(w.queue, true)
}

// Stats reports consumer counts tracked locally and the broker's message count
// for each queue, obtained with a passive declare on a short-lived channel.
func (b *durableBackend) Stats() map[string]QueueStats {
	b.mu.Lock()
	counts := maps.Clone(b.consumers)
	stopped := b.stopped
	b.mu.Unlock()

	names := slices.Sorted(maps.Keys(counts))
	depths := b.depths(names)

	stats := make(map[string]QueueStats, len(counts))
	for _, name := range names {
		stats[name] = QueueStats{
			Depth:         depths[name],
			ConsumerCount: counts[name],
			Running:       !stopped && counts[name] > 0,
		}
	}
	return stats
}

func (b *durableBackend) depths(names []string) map[string]int {
	out := make(map[string]int, len(names))
	for _, name := range names {
		out[name] = DepthUnknown
	}
	if len(names) == 0 || b.conn.IsClosed() {
		return out
	}

	var ch amqpChannel
	for _, name := range names {
		if ch == nil {
			var err error
			if ch, err = b.conn.Channel(); err != nil {
				b.log.Debugw("failed to open stats channel", "error", err)
				return out
			}
		}
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			// a failed passive declare closes the channel
			_ = ch.Close()
			ch = nil
			continue
		}
		out[name] = q.Messages
	}
	if ch != nil {
		_ = ch.Close()
	}
	return out
}

func (b *durableBackend) ActiveWorkers() int {
	return int(b.active.Load())
}

// Stop signals every worker to exit after its current message, waits for them
// and then closes the publisher channel and the connection. The connection is
// closed even when ctx expires first.
func (b *durableBackend) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.lifecycle.Lock()
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopCh)
		b.lifecycle.Unlock()

		if werr := waitGroupWithContext(ctx, &b.wg); werr != nil {
			b.log.Warnw("durable workers still running at shutdown", "active", b.ActiveWorkers(), "error", werr)
			err = fmt.Errorf("wait for durable workers: %w", werr)
		}

		b.pubMu.Lock()
		b.resetPublisher()
		b.pubMu.Unlock()

		if cerr := b.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = errors.Join(err, fmt.Errorf("close connection: %w", cerr))
		}
		b.monitorWg.Wait()

		b.log.Info("durable backend stopped")
	})
	return err
}

// monitorConnection logs an unexpected loss of the broker connection. The
// backend does not reconnect or switch to fallback queues.
func (b *durableBackend) monitorConnection() {
	defer b.monitorWg.Done()
	select {
	case <-b.stopCh:
		return
	case amqpErr, ok := <-b.closedCh:
		if !ok || amqpErr == nil {
			return
		}
		b.log.Errorw("broker connection lost, durable queue operations will fail until restart",
			"code", amqpErr.Code,
			"reason", amqpErr.Reason,
			"server", amqpErr.Server,
		)
	}
}

func (b *durableBackend) touch(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[queue]; !ok {
		b.consumers[queue] = 0
	}
}

func (b *durableBackend) addConsumer(queue string, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers[queue] += delta
}

func (b *durableBackend) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
