package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/fallback-queue/pkg/queue"
)

// Config holds all configuration for the queueworker run command
type Config struct {
	// Application settings
	Verbose         bool
	QueuesFile      string
	ShutdownTimeout time.Duration

	// Queue manager settings
	Queue queue.Config

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return net.JoinHostPort(c.MetricsHost, strconv.Itoa(c.MetricsPort))
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	qCfg, err := buildQueueConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to build queue config: %w", err)
	}

	shutdownTimeout := c.Duration("shutdown-timeout")
	if shutdownTimeout <= 0 {
		return nil, fmt.Errorf("shutdown-timeout must be positive, got %s", shutdownTimeout)
	}
	metricsPort := c.Int("metrics-port")
	if metricsPort < 0 || metricsPort > 65535 {
		return nil, fmt.Errorf("metrics-port must be between 0 and 65535, got %d", metricsPort)
	}

	return &Config{
		Verbose:         c.Bool("verbose"),
		QueuesFile:      c.String("queues-file"),
		ShutdownTimeout: shutdownTimeout,
		Queue:           qCfg,
		MetricsHost:     c.String("metrics-host"),
		MetricsPort:     metricsPort,
		Environment:     c.String("environment"),
		Region:          c.String("region"),
		CloudProvider:   c.String("cloud-provider"),
	}, nil
}

// buildQueueConfig builds a queue.Config from CLI context flags
func buildQueueConfig(c *cli.Context) (queue.Config, error) {
	port := c.Int("amqp-port")
	if port <= 0 || port > 65535 {
		return queue.Config{}, fmt.Errorf("amqp-port must be between 1 and 65535, got %d", port)
	}
	if c.String("amqp-host") == "" {
		return queue.Config{}, errors.New("amqp-host must not be empty")
	}
	maxDepth := c.Int("fallback-max-depth")
	if maxDepth < 0 {
		return queue.Config{}, fmt.Errorf("fallback-max-depth must not be negative, got %d", maxDepth)
	}

	heartbeat := c.Duration("amqp-heartbeat")
	probeTimeout := c.Duration("probe-timeout")
	publishTimeout := c.Duration("publish-timeout")
	if probeTimeout <= 0 {
		return queue.Config{}, fmt.Errorf("probe-timeout must be positive, got %s", probeTimeout)
	}
	if publishTimeout <= 0 {
		return queue.Config{}, fmt.Errorf("publish-timeout must be positive, got %s", publishTimeout)
	}

	return queue.Config{
		Host:           c.String("amqp-host"),
		Port:           port,
		Username:       c.String("amqp-user"),
		Password:       c.String("amqp-password"),
		VHost:          c.String("amqp-vhost"),
		Heartbeat:      &heartbeat,
		ProbeTimeout:   &probeTimeout,
		PublishTimeout: &publishTimeout,
		DurableEnabled: c.Bool("durable-enabled"),
		MaxDepth:       maxDepth,
	}.WithDefaults(), nil
}
