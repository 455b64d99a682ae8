package queue

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Default values applied by WithDefaults
const (
	DefaultProbeTimeout   = 3 * time.Second
	DefaultHeartbeat      = 10 * time.Second
	DefaultPublishTimeout = 5 * time.Second
)

// Config holds broker connectivity and fallback settings for a Manager.
type Config struct {
	Host           string         `env:"QUEUE_AMQP_HOST"          envDefault:"localhost"` // Broker host
	Port           int            `env:"QUEUE_AMQP_PORT"          envDefault:"5672"`      // Broker port
	Username       string         `env:"QUEUE_AMQP_USER"          envDefault:"guest"`     // Broker user
	Password       string         `env:"QUEUE_AMQP_PASSWORD"      envDefault:"guest"`     // Broker password
	VHost          string         `env:"QUEUE_AMQP_VHOST"         envDefault:"/"`         // Broker virtual host
	Heartbeat      *time.Duration `env:"QUEUE_AMQP_HEARTBEAT"     envDefault:"10s"`       // AMQP heartbeat interval
	ProbeTimeout   *time.Duration `env:"QUEUE_PROBE_TIMEOUT"      envDefault:"3s"`        // Upper bound for the startup probe
	PublishTimeout *time.Duration `env:"QUEUE_PUBLISH_TIMEOUT"    envDefault:"5s"`        // Upper bound for a single durable publish
	DurableEnabled bool           `env:"QUEUE_DURABLE_ENABLED"    envDefault:"true"`      // If false, skip the probe and use fallback queues
	MaxDepth       int            `env:"QUEUE_FALLBACK_MAX_DEPTH" envDefault:"0"`         // Fallback queue bound, 0 means unbounded
}

// LoadConfig loads queue configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse queue config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields.
// This method does not mutate the original config.
func (c Config) WithDefaults() Config {
	if c.Heartbeat == nil {
		heartbeat := DefaultHeartbeat
		c.Heartbeat = &heartbeat
	}
	if c.ProbeTimeout == nil {
		timeout := DefaultProbeTimeout
		c.ProbeTimeout = &timeout
	}
	if c.PublishTimeout == nil {
		timeout := DefaultPublishTimeout
		c.PublishTimeout = &timeout
	}
	if c.VHost == "" {
		c.VHost = "/"
	}
	return c
}

// Addr returns host:port of the broker.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the AMQP URL for the broker, credentials included.
func (c Config) URL() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VHost,
	}
	return uri.String()
}
