// Package config loads and watches the dishmon configuration file.
// YAML and JSON are both accepted; YAML is coerced to JSON so one strict
// decoder covers both. All durations are Go duration strings ("10s", "5m").
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Collector  CollectorConfig  `json:"collector,omitempty"`
	Classifier ClassifierConfig `json:"classifier,omitempty"`
	Outage     OutageConfig     `json:"outage,omitempty"`
	SpeedTest  SpeedTestConfig  `json:"speedtest,omitempty"`
	API        APIConfig        `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite history store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CollectorConfig controls sample ingestion and retention.
type CollectorConfig struct {
	ReadTimeout  string `json:"read_timeout,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
	BufferSize   int    `json:"buffer_size,omitempty"`
	CompactEvery string `json:"compact_every,omitempty"`
	// Retention is how far back raw samples are kept before pruning.
	Retention string `json:"retention,omitempty"` // default "168h"
}

// ClassifierConfig controls active-usage detection.
type ClassifierConfig struct {
	Window string `json:"window,omitempty"` // default "5m"
	// ActiveThresholdMbps marks a sample active when either direction
	// exceeds it. Default 1.
	ActiveThresholdMbps float64 `json:"active_threshold_mbps,omitempty"`
}

// OutageConfig controls the outage detector.
type OutageConfig struct {
	// FailThreshold is how many consecutive unhealthy samples open an
	// outage. Default 3.
	FailThreshold int `json:"fail_threshold,omitempty"`
}

// SpeedTestConfig controls the speed-test scheduler and method chain.
type SpeedTestConfig struct {
	Enabled bool `json:"enabled"`
	// Rule seeds the persisted schedule on first start; later changes go
	// through the API and are persisted in the store.
	Rule       string `json:"rule,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
	Cooldown   string `json:"cooldown,omitempty"`

	// HTTPFallback narrows the plain-HTTP method.
	DownloadURLs []string `json:"download_urls,omitempty"`
	UploadURL    string   `json:"upload_url,omitempty"`

	// PacketLoss enables the UDP analyzer on the speedtest.net method.
	PacketLoss bool `json:"packet_loss,omitempty"`
}

// APIConfig controls the JSON read API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8099").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8099"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks fields that cannot be defaulted away. Duration strings are
// checked here so a bad hot-reload is rejected before it reaches components.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path required")
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"collector.read_timeout", c.Collector.ReadTimeout},
		{"collector.retry_backoff", c.Collector.RetryBackoff},
		{"collector.compact_every", c.Collector.CompactEvery},
		{"collector.retention", c.Collector.Retention},
		{"classifier.window", c.Classifier.Window},
		{"speedtest.run_timeout", c.SpeedTest.RunTimeout},
		{"speedtest.cooldown", c.SpeedTest.Cooldown},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"api.idle_timeout", c.API.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if c.Collector.BufferSize < 0 {
		return fmt.Errorf("collector.buffer_size must be >= 0")
	}
	if c.Outage.FailThreshold < 0 {
		return fmt.Errorf("outage.fail_threshold must be >= 0")
	}
	if c.Classifier.ActiveThresholdMbps < 0 {
		return fmt.Errorf("classifier.active_threshold_mbps must be >= 0")
	}
	return nil
}
