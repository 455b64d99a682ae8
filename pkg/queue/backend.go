package queue

import (
	"context"
	"fmt"
)

// BackendType identifies the backend a Manager selected during Initialize.
type BackendType string

const (
	BackendDurable  BackendType = "durable"
	BackendFallback BackendType = "fallback"
)

// DepthUnknown is reported as QueueStats.Depth when the backend cannot tell how
// many messages are waiting.
const DepthUnknown = -1

const contentTypeJSON = "application/json"

// Msg represents a queue message.
//
// Queue identifies the destination queue.
// Value contains the message payload.
// ContentType is forwarded to the broker in durable mode and ignored otherwise.
// Headers contains additional metadata, also durable mode only.
type Msg struct {
	Queue       string
	Value       []byte
	ContentType string
	Headers     map[string]string
}

// Handler processes a single message payload.
//
// A nil return acknowledges the message. A non-nil return drops it: the durable
// backend nacks without requeue, the fallback backend logs the error. Either
// way the worker moves on to the next message.
//
// The context passed to a Handler is not cancelled by StopAll; shutdown waits
// for the handler to return.
type Handler func(ctx context.Context, payload []byte) error

// QueueStats describes one queue as seen by this process.
type QueueStats struct {
	Depth         int  `json:"depth"`
	ConsumerCount int  `json:"consumerCount"`
	Running       bool `json:"running"`
}

// Backend is implemented by the durable and fallback queue backends. Exactly one
// Backend is active per Manager.
type Backend interface {
	// Publish enqueues a message. It returns an error instead of dropping the
	// message when it cannot be enqueued.
	Publish(ctx context.Context, msg Msg) error

	// RegisterConsumer starts workers receive loops on queue. The consumer
	// count reported by Stats includes them once RegisterConsumer returns.
	RegisterConsumer(queue string, handler Handler, workers int) error

	// Stats reports every queue this backend has touched.
	Stats() map[string]QueueStats

	// ActiveWorkers returns the number of receive loops that have not exited.
	ActiveWorkers() int

	// Stop signals every worker, waits for them to exit and releases backend
	// resources. It returns early with ctx.Err() if ctx is done first.
	Stop(ctx context.Context) error

	Type() BackendType
}

func validateRegistration(queue string, handler Handler, workers int) error {
	if queue == "" {
		return ErrEmptyQueueName
	}
	if handler == nil {
		return ErrNilHandler
	}
	if workers < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkerCount, workers)
	}
	return nil
}
