// Package config loads the YAML configuration shared by the agent and console
// binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"agent-rpc/middleware"
	"agent-rpc/transport"
	"agent-rpc/zeromq"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	TransportStream = "stream"
	TransportZeroMQ = "zeromq"
)

type Config struct {
	Transport  string     `yaml:"transport"`
	Stream     Stream     `yaml:"stream"`
	ZeroMQ     ZeroMQ     `yaml:"zeromq"`
	Middleware Middleware `yaml:"middleware"`
	Log        Log        `yaml:"log"`
}

type Stream struct {
	Addr             string        `yaml:"addr"`
	CallTimeout      time.Duration `yaml:"callTimeout"`
	Workers          int           `yaml:"workers"`
	Compression      bool          `yaml:"compression"`
	ReadPollInterval time.Duration `yaml:"readPollInterval"`
}

type ZeroMQ struct {
	Host        string        `yaml:"host"`
	BindHost    string        `yaml:"bindHost"`
	CommandPort int           `yaml:"commandPort"`
	EventPort   int           `yaml:"eventPort"`
	Timeout     time.Duration `yaml:"timeout"` // 0 waits forever
	MaxRetries  int           `yaml:"maxRetries"`
}

// Middleware configures the chain around local dispatch. Zero values turn a
// middleware off.
type Middleware struct {
	RateLimit      float64       `yaml:"rateLimit"` // calls per second
	RateBurst      int           `yaml:"rateBurst"`
	HandlerTimeout time.Duration `yaml:"handlerTimeout"`
	LogCalls       bool          `yaml:"logCalls"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Transport: TransportStream,
		Stream: Stream{
			Addr:        "127.0.0.1:9700",
			CallTimeout: transport.DefaultCallTimeout,
			Workers:     transport.DefaultWorkers,
			Compression: true,
		},
		ZeroMQ: ZeroMQ{
			Host:        "127.0.0.1",
			BindHost:    zeromq.DefaultBindHost,
			CommandPort: zeromq.DefaultCommandPort,
			EventPort:   zeromq.DefaultEventPort,
			MaxRetries:  zeromq.DefaultMaxRetries,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStream:
		if c.Stream.Addr == "" {
			return errors.New("config: stream.addr is required")
		}
		if c.Stream.Workers < 1 {
			return fmt.Errorf("config: stream.workers must be positive, got %d", c.Stream.Workers)
		}
		if c.Stream.CallTimeout <= 0 {
			return fmt.Errorf("config: stream.callTimeout must be positive, got %v", c.Stream.CallTimeout)
		}
	case TransportZeroMQ:
		for name, port := range map[string]int{"commandPort": c.ZeroMQ.CommandPort, "eventPort": c.ZeroMQ.EventPort} {
			if port < 1 || port > 65535 {
				return fmt.Errorf("config: zeromq.%s out of range: %d", name, port)
			}
		}
		if c.ZeroMQ.CommandPort == c.ZeroMQ.EventPort {
			return errors.New("config: zeromq command and event ports must differ")
		}
		if c.ZeroMQ.MaxRetries < 1 {
			return fmt.Errorf("config: zeromq.maxRetries must be positive, got %d", c.ZeroMQ.MaxRetries)
		}
		if c.ZeroMQ.Timeout < 0 {
			return fmt.Errorf("config: zeromq.timeout must not be negative, got %v", c.ZeroMQ.Timeout)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Middleware.RateLimit < 0 || c.Middleware.RateBurst < 0 {
		return errors.New("config: middleware rate settings must not be negative")
	}
	return nil
}

// Middlewares builds the dispatch chain described by m.
func (m Middleware) Middlewares(logger *zap.Logger) []middleware.Middleware {
	var mws []middleware.Middleware
	if m.LogCalls {
		mws = append(mws, middleware.LoggingMiddleware(logger))
	}
	if m.RateLimit > 0 {
		burst := m.RateBurst
		if burst < 1 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimitMiddleware(m.RateLimit, burst))
	}
	if m.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(m.HandlerTimeout))
	}
	return mws
}

// StreamOptions translates the configuration into stream link options.
func (c *Config) StreamOptions(logger *zap.Logger) []transport.Option {
	return []transport.Option{
		transport.WithCallTimeout(c.Stream.CallTimeout),
		transport.WithWorkers(c.Stream.Workers),
		transport.WithCompression(c.Stream.Compression),
		transport.WithReadPollInterval(c.Stream.ReadPollInterval),
		transport.WithMiddleware(c.Middleware.Middlewares(logger)...),
		transport.WithLogger(logger.Named("stream")),
	}
}

// ZeroMQOptions translates the configuration into ZeroMQ link options.
func (c *Config) ZeroMQOptions(logger *zap.Logger) []zeromq.Option {
	return []zeromq.Option{
		zeromq.WithCommandPort(c.ZeroMQ.CommandPort),
		zeromq.WithEventPort(c.ZeroMQ.EventPort),
		zeromq.WithBindHost(c.ZeroMQ.BindHost),
		zeromq.WithTimeout(c.ZeroMQ.Timeout),
		zeromq.WithMaxRetries(c.ZeroMQ.MaxRetries),
		zeromq.WithMiddleware(c.Middleware.Middlewares(logger)...),
		zeromq.WithLogger(logger.Named("zeromq")),
	}
}
