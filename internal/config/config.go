// Package config holds the runtime settings of the update engine.
package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/bigbag/gateway-ota/internal/protocol"
)

// Config holds the update engine configuration.
type Config struct {
	// ServerURL is the base URL of the manifest endpoint.
	ServerURL string

	// MAC identifies the gateway to the server and must match the manifest.
	MAC string

	// DeviceType must match the manifest's deviceType.
	DeviceType string

	// FirmwareVersion is the running host firmware, sent in the User-Agent.
	FirmwareVersion string

	// StateDir holds chunk index files and resume state.
	StateDir string

	// SerialPort is the ISP link to the secondary controller.
	// Empty means probe every port.
	SerialPort string
	BaudRate   int

	// PartitionDir holds the host controller's A/B slot files.
	PartitionDir  string
	PartitionSize int64
	ImageMagic    byte

	// QueueCapacity is the number of pool blocks between download and flash.
	QueueCapacity int

	// BlockSize is the size of one pool block and the largest chunk accepted.
	BlockSize int

	MaxRetries  int
	RetryDelay  time.Duration
	HTTPTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DeviceType:      "GATEWAY",
		FirmwareVersion: "0.0.0",
		StateDir:        "/var/lib/gateway-ota",
		BaudRate:        protocol.DefaultBaud,
		PartitionDir:    "/var/lib/gateway-ota/partitions",
		PartitionSize:   0x1E0000,
		ImageMagic:      0xE9,
		QueueCapacity:   4,
		BlockSize:       64 * 1024,
		MaxRetries:      5,
		RetryDelay:      time.Second,
		HTTPTimeout:     30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid server url scheme %q", u.Scheme)
		}
	}
	if c.MAC != "" {
		if _, err := net.ParseMAC(c.MAC); err != nil {
			return fmt.Errorf("invalid mac: %w", err)
		}
	}
	if c.StateDir == "" {
		return fmt.Errorf("state dir is required")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.QueueCapacity < 2 {
		return fmt.Errorf("queue capacity must be at least 2, got %d", c.QueueCapacity)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("invalid block size %d", c.BlockSize)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 || c.HTTPTimeout <= 0 {
		return fmt.Errorf("invalid retry delay or http timeout")
	}
	if c.PartitionSize <= 0 {
		return fmt.Errorf("invalid partition size %d", c.PartitionSize)
	}
	return nil
}

// RequireServer checks the settings needed to talk to the update server.
func (c Config) RequireServer() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if c.MAC == "" {
		return fmt.Errorf("mac is required")
	}
	return nil
}
