package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Probe checks once whether the broker described by cfg accepts connections.
//
// It dials, completes the AMQP handshake, opens and closes one channel and then
// closes the connection. There are no retries. Probe returns within
// cfg.ProbeTimeout (or earlier when ctx is done); a nil error means the broker
// is reachable. Failures are returned as *ConnectivityError.
func Probe(ctx context.Context, cfg Config) error {
	return probe(ctx, cfg.WithDefaults(), dialAMQP)
}

func probe(ctx context.Context, cfg Config, dial dialer) error {
	timeout := *cfg.ProbeTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return &ConnectivityError{Addr: cfg.Addr(), Err: err}
	}

	resCh := make(chan error, 1)
	go func() {
		resCh <- handshake(cfg, timeout, dial)
	}()

	select {
	case err := <-resCh:
		if err != nil {
			return &ConnectivityError{Addr: cfg.Addr(), Err: err}
		}
		return nil
	case <-ctx.Done():
		// handshake closes whatever it opened once the dial returns
		return &ConnectivityError{Addr: cfg.Addr(), Err: fmt.Errorf("probe timed out after %s: %w", timeout, ctx.Err())}
	}
}

func handshake(cfg Config, timeout time.Duration, dial dialer) error {
	conn, err := dial(cfg, timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return errors.Join(fmt.Errorf("open channel: %w", err), conn.Close())
	}

	if err := ch.Close(); err != nil {
		return errors.Join(fmt.Errorf("close channel: %w", err), conn.Close())
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
