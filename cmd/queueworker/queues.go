package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ava-labs/fallback-queue/pkg/queue"
)

// queueSpec is one entry of the queues file.
type queueSpec struct {
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
}

type queuesFile struct {
	Queues []queueSpec `yaml:"queues"`
}

// loadQueues reads and validates the queues file at path.
//
//	queues:
//	  - name: emails
//	    workers: 2
//	  - name: reports
func loadQueues(path string) ([]queueSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queues file: %w", err)
	}

	var f queuesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse queues file %s: %w", path, err)
	}
	if len(f.Queues) == 0 {
		return nil, fmt.Errorf("queues file %s defines no queues", path)
	}

	seen := make(map[string]struct{}, len(f.Queues))
	for i, q := range f.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("queue #%d: %w", i+1, queue.ErrEmptyQueueName)
		}
		if _, dup := seen[q.Name]; dup {
			return nil, fmt.Errorf("queue %q is defined more than once", q.Name)
		}
		seen[q.Name] = struct{}{}
		if q.Workers < 0 {
			return nil, fmt.Errorf("queue %q: %w: got %d", q.Name, queue.ErrInvalidWorkerCount, q.Workers)
		}
	}
	return f.Queues, nil
}

// consumerConfigs maps each queue to a logging handler. Zero workers is left
// for StartAll to default to one.
func consumerConfigs(log *zap.SugaredLogger, specs []queueSpec) map[string]queue.ConsumerConfig {
	configs := make(map[string]queue.ConsumerConfig, len(specs))
	for _, s := range specs {
		configs[s.Name] = queue.ConsumerConfig{
			Workers: s.Workers,
			Handler: logHandler(log, s.Name),
		}
	}
	return configs
}

var errEmptyPayload = errors.New("empty payload")

// logHandler logs every message it receives. JSON payloads are logged as
// structured fields, anything else by size only.
func logHandler(log *zap.SugaredLogger, name string) queue.Handler {
	return func(_ context.Context, payload []byte) error {
		if len(payload) == 0 {
			return errEmptyPayload
		}
		if !json.Valid(payload) {
			log.Infow("message received", "queue", name, "size", len(payload))
			return nil
		}
		log.Infow("message received", "queue", name, "size", len(payload), "payload", json.RawMessage(payload))
		return nil
	}
}
