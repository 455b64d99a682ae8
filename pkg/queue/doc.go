// Package queue provides a single asynchronous queueing API that works whether
// or not a durable message broker is reachable.
//
// A Manager probes the configured AMQP broker once, during Initialize. When the
// broker answers, the manager runs in durable mode: queues are declared durable,
// messages are published persistent and consumed with manual acknowledgement and
// a prefetch of one per worker. When the broker cannot be reached the manager
// degrades to in-process FIFO queues so the host process keeps working alone.
//
// The selected backend never changes afterwards. A broker that disappears after
// Initialize makes Send fail with a PublishError; it does not switch the manager
// to the fallback queues.
//
// Fallback mode is an availability degradation, not an equivalent substitute:
//   - messages are only visible to consumers in the same process,
//   - pending messages are lost when the process exits,
//   - there is no acknowledgement or redelivery; a handler error drops the message.
//
// Consumers are registered with a Handler and a worker count. Every worker is a
// goroutine running its own receive loop. A handler error affects only the
// message being handled: durable mode nacks it without requeue, fallback mode
// logs it. StopAll lets every worker finish its current message, waits for all
// of them to exit and only then releases broker resources.
package queue
