package isp

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bigbag/gateway-ota/internal/logging"
	"github.com/bigbag/gateway-ota/internal/protocol"
)

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Config holds the programmer configuration.
type Config struct {
	// Timeouts bounds the wait for each command's answer.
	Timeouts protocol.Timeouts

	// PollInterval is the longest single blocking read.
	PollInterval time.Duration

	Logger   log.FieldLogger
	Progress ProgressCallback
}

func defaultConfig() Config {
	return Config{
		Timeouts:     protocol.DefaultTimeouts(),
		PollInterval: 100 * time.Millisecond,
		Logger:       logging.Discard(),
	}
}

// Option is a functional option for configuring the Programmer.
type Option func(*Config)

// WithTimeouts replaces the per-command timeout table.
func WithTimeouts(t protocol.Timeouts) Option {
	return func(c *Config) {
		c.Timeouts = t
	}
}

// WithPollInterval sets the longest single blocking read.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// WithLogger sets the logger for command tracing.
func WithLogger(logger log.FieldLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithProgressCallback sets the progress callback used by FlashPages.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}
