package config

import (
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"server url", func(c *Config) { c.ServerURL = "https://ota.example.com" }, false},
		{"server scheme", func(c *Config) { c.ServerURL = "ftp://ota.example.com" }, true},
		{"mac", func(c *Config) { c.MAC = "24:0a:c4:00:11:22" }, false},
		{"bad mac", func(c *Config) { c.MAC = "24:0a" }, true},
		{"no state dir", func(c *Config) { c.StateDir = "" }, true},
		{"baud", func(c *Config) { c.BaudRate = 0 }, true},
		{"queue", func(c *Config) { c.QueueCapacity = 1 }, true},
		{"block", func(c *Config) { c.BlockSize = 0 }, true},
		{"retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"delay", func(c *Config) { c.RetryDelay = -time.Second }, true},
		{"partition", func(c *Config) { c.PartitionSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequireServer(t *testing.T) {
	c := Default()
	if err := c.RequireServer(); err == nil {
		t.Error("RequireServer() with empty url: expected error")
	}
	c.ServerURL = "http://localhost"
	c.MAC = "24:0a:c4:00:11:22"
	if err := c.RequireServer(); err != nil {
		t.Errorf("RequireServer() = %v, want nil", err)
	}
}
