package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// brokerFlags returns the flags shared by every command that builds a queue manager.
func brokerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "amqp-host",
			Usage:   "Broker host",
			EnvVars: []string{"QUEUE_AMQP_HOST"},
			Value:   "localhost",
		},
		&cli.IntFlag{
			Name:    "amqp-port",
			Usage:   "Broker AMQP port",
			EnvVars: []string{"QUEUE_AMQP_PORT"},
			Value:   5672,
		},
		&cli.StringFlag{
			Name:    "amqp-user",
			Usage:   "Broker username",
			EnvVars: []string{"QUEUE_AMQP_USER"},
			Value:   "guest",
		},
		&cli.StringFlag{
			Name:    "amqp-password",
			Usage:   "Broker password",
			EnvVars: []string{"QUEUE_AMQP_PASSWORD"},
			Value:   "guest",
		},
		&cli.StringFlag{
			Name:    "amqp-vhost",
			Usage:   "Broker virtual host",
			EnvVars: []string{"QUEUE_AMQP_VHOST"},
			Value:   "/",
		},
		&cli.DurationFlag{
			Name:    "amqp-heartbeat",
			Usage:   "AMQP heartbeat interval",
			EnvVars: []string{"QUEUE_AMQP_HEARTBEAT"},
			Value:   10 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "probe-timeout",
			Usage:   "Upper bound for the startup broker probe",
			EnvVars: []string{"QUEUE_PROBE_TIMEOUT"},
			Value:   3 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "publish-timeout",
			Usage:   "Upper bound for a single durable publish",
			EnvVars: []string{"QUEUE_PUBLISH_TIMEOUT"},
			Value:   5 * time.Second,
		},
		&cli.BoolFlag{
			Name:    "durable-enabled",
			Usage:   "Probe the broker at startup; when false, in-process fallback queues are always used",
			EnvVars: []string{"QUEUE_DURABLE_ENABLED"},
			Value:   true,
		},
		&cli.IntFlag{
			Name:    "fallback-max-depth",
			Usage:   "Maximum pending messages per fallback queue (0 means unbounded)",
			EnvVars: []string{"QUEUE_FALLBACK_MAX_DEPTH"},
			Value:   0,
		},
	}
}

// runFlags returns all CLI flags for the queueworker run command
func runFlags() []cli.Flag {
	return append(brokerFlags(),
		&cli.StringFlag{
			Name:     "queues-file",
			Aliases:  []string{"q"},
			Usage:    "YAML file listing the queues to consume and their worker counts",
			EnvVars:  []string{"QUEUES_FILE"},
			Required: true,
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long to wait for running handlers on shutdown",
			EnvVars: []string{"SHUTDOWN_TIMEOUT"},
			Value:   30 * time.Second,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region for metrics labels (e.g., 'us-east-1')",
			EnvVars: []string{"REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
		},
	)
}

// sendFlags returns all CLI flags for the queueworker send command
func sendFlags() []cli.Flag {
	return append(brokerFlags(),
		&cli.StringFlag{
			Name:     "queue",
			Usage:    "Destination queue",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "payload",
			Aliases:  []string{"p"},
			Usage:    "JSON document to send",
			Required: true,
		},
	)
}
