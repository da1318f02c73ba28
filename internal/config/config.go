// Package config loads and validates the proxy's YAML configuration:
// identity, bus backend selection, the static agent directory, and HTTP
// timeouts (SPEC_FULL.md "AMBIENT STACK / Configuration").
//
// Grounded on asya-gateway/internal/config/routes.go's accumulate-and-fail
// Validate() pattern and tenzoki-agen/code/cellorg/internal/config/config.go's
// yaml.v3-based Load() with defaulting.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/asya/a2a-proxy/internal/directory"
)

// BusDriver selects which bus.Adapter backend to construct.
type BusDriver string

const (
	DriverServiceBus BusDriver = "servicebus"
	DriverSQS        BusDriver = "sqs"
	DriverRabbitMQ   BusDriver = "rabbitmq"
)

// ServiceBusConfig mirrors servicebusadapter.Config's YAML surface.
type ServiceBusConfig struct {
	ConnectionString         string `yaml:"connection_string"`
	DuplicateDetectionWindow string `yaml:"duplicate_detection_window,omitempty"`
	MessageTTL               string `yaml:"message_ttl,omitempty"`
	MaxDeliveryCount         int32  `yaml:"max_delivery_count,omitempty"`
}

// SQSConfig mirrors sqsadapter.Config's YAML surface.
type SQSConfig struct {
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint,omitempty"`
	Namespace         string `yaml:"namespace"`
	VisibilityTimeout int32  `yaml:"visibility_timeout_seconds,omitempty"`
	WaitTimeSeconds   int32  `yaml:"wait_time_seconds,omitempty"`
}

// RabbitMQConfig mirrors rabbitadapter.Config's YAML surface.
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Timeouts bounds request/stream waiting, per spec.md §5-§6.
type Timeouts struct {
	RequestSeconds     int `yaml:"request_seconds,omitempty"`
	LocalForwardSeconds int `yaml:"local_forward_seconds,omitempty"`
	StreamIdleSeconds  int `yaml:"stream_idle_seconds,omitempty"`
}

func (t Timeouts) Request() time.Duration {
	return durationOrDefault(t.RequestSeconds, 30*time.Second)
}

func (t Timeouts) LocalForward() time.Duration {
	return durationOrDefault(t.LocalForwardSeconds, 10*time.Second)
}

func (t Timeouts) StreamIdle() time.Duration {
	return durationOrDefault(t.StreamIdleSeconds, 60*time.Second)
}

func durationOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// Config is the full proxy configuration loaded from YAML at startup.
type Config struct {
	ProxyID     string             `yaml:"proxy_id"`
	Coordinator bool               `yaml:"coordinator,omitempty"`
	ListenAddr  string             `yaml:"listen_addr"`
	MetricsAddr string             `yaml:"metrics_addr,omitempty"`

	BusDriver  BusDriver        `yaml:"bus_driver"`
	ServiceBus ServiceBusConfig `yaml:"servicebus,omitempty"`
	SQS        SQSConfig        `yaml:"sqs,omitempty"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq,omitempty"`

	Directory []directory.Entry `yaml:"directory"`
	Timeouts  Timeouts          `yaml:"timeouts,omitempty"`
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Validate accumulates and reports the first failing field, per the
// teacher's Config.Validate()/Tool.Validate() style: fail closed rather
// than start with a partially-usable config.
func (c *Config) Validate() error {
	if c.ProxyID == "" {
		return fmt.Errorf("proxy_id is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	switch c.BusDriver {
	case DriverServiceBus:
		if c.ServiceBus.ConnectionString == "" {
			return fmt.Errorf("servicebus.connection_string is required when bus_driver is %q", DriverServiceBus)
		}
	case DriverSQS:
		if c.SQS.Region == "" {
			return fmt.Errorf("sqs.region is required when bus_driver is %q", DriverSQS)
		}
	case DriverRabbitMQ:
		if c.RabbitMQ.URL == "" {
			return fmt.Errorf("rabbitmq.url is required when bus_driver is %q", DriverRabbitMQ)
		}
		if c.RabbitMQ.Exchange == "" {
			return fmt.Errorf("rabbitmq.exchange is required when bus_driver is %q", DriverRabbitMQ)
		}
	default:
		return fmt.Errorf("bus_driver must be one of %q, %q, %q", DriverServiceBus, DriverSQS, DriverRabbitMQ)
	}

	if len(c.Directory) == 0 {
		return fmt.Errorf("directory must list at least one agent")
	}
	seenSelf := false
	for _, e := range c.Directory {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.HostingProxyID == c.ProxyID {
			seenSelf = true
		}
	}
	if !seenSelf {
		return fmt.Errorf("directory has no agent hosted by this proxy (proxy_id %q)", c.ProxyID)
	}

	return nil
}

// ParseDuration parses one of the optional ISO-ish "Ns" duration strings
// used by ServiceBusConfig (e.g. "600s"), falling back to def when empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return d, nil
}
