package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory AMQP broker for tests. It delivers round robin
// to consumers and holds back a consumer's next delivery until the previous
// one is acknowledged, which is what prefetch=1 does on a real broker.
type fakeBroker struct {
	mu          sync.Mutex
	queues      map[string]*fakeQueue
	unacked     map[uint64]*fakeConsumer
	nextTag     uint64
	conns       []*fakeConnection
	channels    int
	published   []amqp.Publishing
	failChannel error
	failPublish error
	dials       int
}

type fakeQueue struct {
	name      string
	durable   bool
	ready     []amqp.Publishing
	consumers []*fakeConsumer
	rr        int
	acked     int
	nacked    []string // message ids
	requeued  int
}

type fakeConsumer struct {
	tag        string
	queue      *fakeQueue
	ch         *fakeChannel
	deliveries chan amqp.Delivery
	pending    *amqp.Publishing
	closed     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:  make(map[string]*fakeQueue),
		unacked: make(map[uint64]*fakeConsumer),
	}
}

func (b *fakeBroker) dialer() dialer {
	return func(Config, time.Duration) (amqpConnection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		conn := &fakeConnection{broker: b}
		b.conns = append(b.conns, conn)
		return conn, nil
	}
}

// dropConnections simulates the broker closing every connection.
func (b *fakeBroker) dropConnections(reason string) {
	b.mu.Lock()
	conns := slices.Clone(b.conns)
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

func (b *fakeBroker) queue(name string) *fakeQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{name: name}
		b.queues[name] = q
	}
	return q
}

type fakeQueueState struct {
	durable   bool
	ready     int
	consumers int
	acked     int
	nacked    []string
	requeued  int
}

func (b *fakeBroker) state(name string) fakeQueueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return fakeQueueState{}
	}
	return fakeQueueState{
		durable:   q.durable,
		ready:     len(q.ready),
		consumers: len(q.consumers),
		acked:     q.acked,
		nacked:    slices.Clone(q.nacked),
		requeued:  q.requeued,
	}
}

func (b *fakeBroker) publishings() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

func (b *fakeBroker) openChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

// pump hands ready messages to idle consumers. Callers must hold mu.
func (b *fakeBroker) pump(q *fakeQueue) {
	for len(q.ready) > 0 {
		c := q.nextIdle()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]

		b.nextTag++
		c.pending = &msg
		b.unacked[b.nextTag] = c
		// deliveries has room for exactly the one unacknowledged message
		c.deliveries <- amqp.Delivery{
			Acknowledger: c.ch,
			DeliveryTag:  b.nextTag,
			ConsumerTag:  c.tag,
			RoutingKey:   q.name,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Headers:      msg.Headers,
			Body:         msg.Body,
		}
	}
}

func (q *fakeQueue) nextIdle() *fakeConsumer {
	for i := range q.consumers {
		c := q.consumers[(q.rr+i)%len(q.consumers)]
		if c.pending == nil {
			q.rr = (q.rr + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

// detach removes c from its queue and returns an unacknowledged message to the
// head of the queue. Callers must hold mu.
func (b *fakeBroker) detach(c *fakeConsumer) {
	if c.closed {
		return
	}
	c.closed = true
	q := c.queue
	q.consumers = slices.DeleteFunc(q.consumers, func(o *fakeConsumer) bool { return o == c })
	if c.pending != nil {
		for tag, owner := range b.unacked {
			if owner == c {
				delete(b.unacked, tag)
			}
		}
		q.ready = append([]amqp.Publishing{*c.pending}, q.ready...)
		q.requeued++
		c.pending = nil
	}
	close(c.deliveries)
	b.pump(q)
}

func (b *fakeBroker) settle(tag uint64, ack bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(b.unacked, tag)
	msg := *c.pending
	c.pending = nil
	q := c.queue
	switch {
	case ack:
		q.acked++
	case requeue:
		q.ready = append(q.ready, msg)
		q.requeued++
	default:
		q.nacked = append(q.nacked, msg.MessageId)
	}
	b.pump(q)
	return nil
}

type fakeConnection struct {
	broker   *fakeBroker
	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failChannel != nil {
		return nil, b.failChannel
	}
	b.channels++
	ch := &fakeChannel{broker: b}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

func (c *fakeConnection) shutdown(reason *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	return nil
}

type fakeChannel struct {
	broker    *fakeBroker
	closed    bool
	qos       int
	consumers []*fakeConsumer
}

var _ amqpChannel = (*fakeChannel)(nil)
var _ amqp.Acknowledger = (*fakeChannel)(nil)

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q := b.queue(name)
	q.durable = durable
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		ch.closeLocked()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.failPublish != nil {
		ch.closeLocked()
		return b.failPublish
	}
	b.published = append(b.published, msg)
	q := b.queue(key)
	q.ready = append(q.ready, msg)
	b.pump(q)
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, errors.New("fake broker only supports manual acknowledgement")
	}
	if ch.qos != 1 {
		return nil, fmt.Errorf("fake broker expects prefetch 1, got %d", ch.qos)
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}
	c := &fakeConsumer{
		tag:        consumer,
		queue:      q,
		ch:         ch,
		deliveries: make(chan amqp.Delivery, 1),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.pump(q)
	return c.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	for _, c := range ch.consumers {
		if c.tag == consumer {
			b.detach(c)
		}
	}
	return nil
}

func (ch *fakeChannel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// closeLocked closes the channel. Callers must hold broker.mu.
func (ch *fakeChannel) closeLocked() {
	ch.closed = true
	ch.broker.channels--
	for _, c := range ch.consumers {
		ch.broker.detach(c)
	}
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	return ch.broker.settle(tag, true, false)
}

func (ch *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	return ch.broker.settle(tag, false, requeue)
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.broker.settle(tag, false, requeue)
}
