package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLogger      = errors.New("invalid logger: must not be nil")
	ErrNotInitialized     = errors.New("queue manager not initialized")
	ErrStopped            = errors.New("queue manager stopped")
	ErrEmptyQueueName     = errors.New("invalid queue name: must not be empty")
	ErrNilHandler         = errors.New("invalid handler: must not be nil")
	ErrInvalidWorkerCount = errors.New("invalid worker count: must be greater than 0")
	ErrQueueFull          = errors.New("queue full")
)

// ConnectivityError reports that the durable broker could not be reached. It is
// only produced while Initialize decides which backend to use.
type ConnectivityError struct {
	Addr string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("broker %s unreachable: %v", e.Addr, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// PublishError reports a failed durable publish after initialization.
type PublishError struct {
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to queue %q: %v", e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SerializationError reports a value passed to SendJSON that cannot be encoded
// as JSON. Nothing is enqueued when it is returned.
type SerializationError struct {
	Queue string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize message for queue %q: %v", e.Queue, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
