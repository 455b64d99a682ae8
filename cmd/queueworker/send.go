package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/fallback-queue/pkg/queue"
	"github.com/ava-labs/fallback-queue/pkg/utils"
)

func send(c *cli.Context) error {
	qCfg, err := buildQueueConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build queue config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(serviceName, c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return sendPayload(ctx, sugar, qCfg, c.String("queue"), []byte(c.String("payload")))
}

// sendPayload publishes one JSON document. In fallback mode the message only
// lives in this process and is lost when it exits, so that case is reported
// as an error.
func sendPayload(ctx context.Context, sugar *zap.SugaredLogger, cfg queue.Config, name string, payload []byte) error {
	if !json.Valid(payload) {
		return errors.New("payload must be a valid JSON document")
	}

	manager, err := queue.New(sugar, cfg)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	defer manager.StopAll(context.WithoutCancel(ctx)) //nolint:errcheck // nothing is consuming

	if manager.BackendType() != queue.BackendDurable {
		return fmt.Errorf("broker %s unavailable: a message sent to in-process fallback queues would be lost on exit", cfg.Addr())
	}

	if err := manager.SendJSON(ctx, name, json.RawMessage(payload)); err != nil {
		return fmt.Errorf("failed to send to queue %q: %w", name, err)
	}
	sugar.Infow("message sent", "queue", name, "size", len(payload), "backend", manager.BackendType())
	return nil
}
