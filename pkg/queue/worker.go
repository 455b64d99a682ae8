package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ava-labs/fallback-queue/pkg/metrics"
)

// dispatcher runs handlers for both backends so that every worker loop shares
// the same tracing, metrics and panic isolation.
type dispatcher struct {
	ctx     context.Context
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	backend BackendType
}

// dispatch invokes handler for one message and returns its outcome. A panic in
// the handler is converted to an error so it cannot take the worker down.
func (d *dispatcher) dispatch(queue string, handler Handler, payload []byte) error {
	ctx, span := d.tracer.Start(d.ctx, "queue.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("queue.name", queue),
			attribute.String("queue.backend", string(d.backend)),
			attribute.Int("queue.payload_size", len(payload)),
		),
	)
	defer span.End()

	d.metrics.IncMessagesInFlight()
	defer d.metrics.DecMessagesInFlight()

	start := time.Now()
	err := d.invoke(ctx, queue, handler, payload)
	d.metrics.RecordMessageProcessed(queue, err, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *dispatcher) invoke(ctx context.Context, queue string, handler Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("handler panicked",
				"queue", queue,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}
