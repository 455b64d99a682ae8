package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/fallback-queue/pkg/metrics"
)

const tracerName = "github.com/ava-labs/fallback-queue/pkg/queue"

// State is the lifecycle state of a Manager.
type State int

const (
	StateUninitialized State = iota
	StateDurable
	StateFallback
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDurable:
		return "durable"
	case StateFallback:
		return "fallback"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ProbeFunc reports whether the durable broker is reachable.
type ProbeFunc func(ctx context.Context, cfg Config) error

// ConsumerConfig describes the consumers StartAll registers for one queue.
// Workers defaults to 1 when zero.
type ConsumerConfig struct {
	Workers int
	Handler Handler
}

// Summary is an aggregate view of a Manager.
type Summary struct {
	Running    bool                  `json:"running"`
	Backend    BackendType           `json:"backend"`
	QueueCount int                   `json:"queueCount"`
	Queues     map[string]QueueStats `json:"queues"`
}

type Option func(*Manager)

// WithMetrics records manager and backend metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithTracerProvider sets the provider used for send and handle spans. The
// global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(mgr *Manager) {
		mgr.tracer = tp.Tracer(tracerName)
	}
}

// WithProbe replaces the broker reachability check run by Initialize.
func WithProbe(p ProbeFunc) Option {
	return func(mgr *Manager) {
		mgr.probe = p
	}
}

func withDialer(d dialer) Option {
	return func(mgr *Manager) {
		mgr.dial = d
	}
}

// Manager is the entry point for sending and consuming messages. It picks the
// durable or the fallback backend once, in Initialize, and uses it until
// StopAll. A process normally creates one Manager and passes it to the code
// that needs it.
type Manager struct {
	log     *zap.SugaredLogger
	cfg     Config
	metrics *metrics.Metrics
	tracer  trace.Tracer
	probe   ProbeFunc
	dial    dialer

	// lifecycle serializes Initialize and StopAll
	lifecycle sync.Mutex
	mu        sync.RWMutex
	state     State
	backend   Backend
}

// New creates an uninitialized Manager. Call Initialize before using it.
func New(log *zap.SugaredLogger, cfg Config, opts ...Option) (*Manager, error) {
	if log == nil {
		return nil, ErrInvalidLogger
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("invalid fallback max depth %d: must not be negative", cfg.MaxDepth)
	}

	m := &Manager{
		log:    log,
		cfg:    cfg.WithDefaults(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		dial:   dialAMQP,
		state:  StateUninitialized,
	}
	m.probe = func(ctx context.Context, cfg Config) error {
		return probe(ctx, cfg, m.dial)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Initialize probes the broker and selects the backend. Only the first call
// does any work; later calls return nil, or ErrStopped once StopAll has run.
//
// Broker unavailability never fails Initialize: the manager falls back to
// in-process queues and logs the decision.
func (m *Manager) Initialize(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	switch m.State() {
	case StateStopped:
		return ErrStopped
	case StateDurable, StateFallback:
		return nil
	}

	disp := &dispatcher{
		ctx:     context.WithoutCancel(ctx),
		log:     m.log,
		metrics: m.metrics,
		tracer:  m.tracer,
	}

	var backend Backend
	if conn := m.connect(ctx); conn != nil {
		disp.backend = BackendDurable
		backend = newDurableBackend(m.log, m.metrics, disp, m.cfg, conn)
	} else {
		disp.backend = BackendFallback
		backend = newMemoryBackend(m.log, m.metrics, disp, m.cfg.MaxDepth)
	}

	m.mu.Lock()
	m.backend = backend
	if backend.Type() == BackendDurable {
		m.state = StateDurable
	} else {
		m.state = StateFallback
	}
	m.mu.Unlock()

	m.metrics.SetBackend(string(backend.Type()))
	m.log.Infow("queue manager initialized", "backend", backend.Type(), "broker", m.cfg.Addr())
	return nil
}

// connect runs the probe and opens the long-lived broker connection. It
// returns nil when the fallback backend must be used.
func (m *Manager) connect(ctx context.Context) amqpConnection {
	if !m.cfg.DurableEnabled {
		m.log.Infow("durable backend disabled, using in-process fallback queues")
		return nil
	}

	start := time.Now()
	err := m.probe(ctx, m.cfg)
	m.metrics.RecordProbe(err, time.Since(start).Seconds())
	if err != nil {
		m.log.Warnw("broker unreachable, using in-process fallback queues",
			"broker", m.cfg.Addr(),
			"error", err,
		)
		return nil
	}

	conn, err := m.dial(m.cfg, *m.cfg.ProbeTimeout)
	if err != nil {
		m.log.Warnw("broker probe succeeded but connecting failed, using in-process fallback queues",
			"broker", m.cfg.Addr(),
			"error", err,
		)
		return nil
	}
	return conn
}

// Send enqueues payload on queue.
//
// In durable mode the queue is declared durable the first time this process
// sends to it and the message is published as persistent. In fallback mode the
// payload is appended to the in-process queue. Failures are returned, never
// dropped silently.
func (m *Manager) Send(ctx context.Context, queue string, payload []byte) error {
	return m.SendMsg(ctx, Msg{Queue: queue, Value: payload})
}

// SendJSON encodes v as JSON and sends it with content type application/json.
// If v cannot be encoded a *SerializationError is returned and nothing is
// enqueued.
func (m *Manager) SendJSON(ctx context.Context, queue string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &SerializationError{Queue: queue, Err: err}
	}
	return m.SendMsg(ctx, Msg{Queue: queue, Value: payload, ContentType: contentTypeJSON})
}

// SendMsg sends msg. ContentType and Headers only reach the broker in durable
// mode.
func (m *Manager) SendMsg(ctx context.Context, msg Msg) error {
	if msg.Queue == "" {
		return ErrEmptyQueueName
	}
	backend, err := m.activeBackend()
	if err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "queue.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("queue.name", msg.Queue),
			attribute.String("queue.backend", string(backend.Type())),
			attribute.Int("queue.payload_size", len(msg.Value)),
		),
	)
	defer span.End()

	err = backend.Publish(ctx, msg)
	m.metrics.RecordMessageSent(msg.Queue, string(backend.Type()), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var pubErr *PublishError
		if errors.As(err, &pubErr) {
			m.log.Warnw("durable publish failed, queue backend degraded", "queue", msg.Queue, "error", err)
		}
		return err
	}
	return nil
}

// RegisterConsumer starts workers competing consumers on queue. Calls are
// additive. The new workers are counted in Stats when RegisterConsumer
// returns.
func (m *Manager) RegisterConsumer(queue string, handler Handler, workers int) error {
	if err := validateRegistration(queue, handler, workers); err != nil {
		return err
	}
	backend, err := m.activeBackend()
	if err != nil {
		return err
	}
	return backend.RegisterConsumer(queue, handler, workers)
}

// StartAll registers consumers for every entry of configs in queue name order.
// Entries without a handler are skipped with a warning. It stops at the first
// registration error.
func (m *Manager) StartAll(configs map[string]ConsumerConfig) error {
	for _, queue := range slices.Sorted(maps.Keys(configs)) {
		cc := configs[queue]
		if cc.Handler == nil {
			m.log.Warnw("no handler configured, skipping queue", "queue", queue)
			continue
		}
		workers := cc.Workers
		if workers == 0 {
			workers = 1
		}
		if err := m.RegisterConsumer(queue, cc.Handler, workers); err != nil {
			return fmt.Errorf("start consumers for queue %q: %w", queue, err)
		}
	}
	return nil
}

// StopAll stops every consumer and releases the backend. Running handlers are
// allowed to finish; their context is not cancelled. If ctx is done first
// StopAll returns its error, but the backend is released regardless. StopAll
// is idempotent and leaves the manager in StateStopped.
func (m *Manager) StopAll(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	prev := m.state
	backend := m.backend
	m.state = StateStopped
	m.mu.Unlock()

	if prev == StateStopped || backend == nil {
		return nil
	}

	m.log.Infow("stopping queue manager", "backend", backend.Type(), "activeWorkers", backend.ActiveWorkers())
	if err := backend.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s backend: %w", backend.Type(), err)
	}
	m.log.Infow("queue manager stopped", "backend", backend.Type())
	return nil
}

// BackendType returns the selected backend, or "" before Initialize.
func (m *Manager) BackendType() BackendType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.backend == nil {
		return ""
	}
	return m.backend.Type()
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats reports every queue this manager has sent to or consumed from. Depth
// is DepthUnknown when the broker cannot be asked.
func (m *Manager) Stats() map[string]QueueStats {
	m.mu.RLock()
	backend := m.backend
	m.mu.RUnlock()

	if backend == nil {
		return map[string]QueueStats{}
	}
	return backend.Stats()
}

// Summary returns the aggregate state of the manager and its queues.
func (m *Manager) Summary() Summary {
	queues := m.Stats()
	state := m.State()
	return Summary{
		Running:    state == StateDurable || state == StateFallback,
		Backend:    m.BackendType(),
		QueueCount: len(queues),
		Queues:     queues,
	}
}

// ActiveWorkers returns the number of consumer loops that have not exited. It
// reaches zero once StopAll returns without error.
func (m *Manager) ActiveWorkers() int {
	m.mu.RLock()
	backend := m.backend
	m.mu.RUnlock()

	if backend == nil {
		return 0
	}
	return backend.ActiveWorkers()
}

func (m *Manager) activeBackend() (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case StateUninitialized:
		return nil, ErrNotInitialized
	case StateStopped:
		return nil, ErrStopped
	}
	return m.backend, nil
}
