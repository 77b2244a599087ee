// Package config loads the broker's YAML configuration file, generalizing
// the teacher's inline cmd/goqtt/main.go Config/Server structs with the
// fields this broker core needs: an auth mode and the default quota
// granted to every principal.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pyr33x/goqtt/internal/mqtt"
)

// Config is the top-level shape of config.yml.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Server  Server `yaml:"server"`
	Auth    Auth   `yaml:"auth"`
	Quota   Quota  `yaml:"quota"`
}

// Server holds the TCP listener's configuration.
type Server struct {
	Port           string `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// Auth selects and configures an Authenticator implementation (spec §4.5).
// Mode is either "sqlite" or "anonymous"; Path is the sqlite database file,
// used only when Mode is "sqlite".
type Auth struct {
	Mode string `yaml:"mode"`
	Path string `yaml:"path"`
}

// Quota mirrors mqtt.Quota in YAML-friendly units (seconds and bytes
// instead of time.Duration and raw ints) so config.yml stays readable.
type Quota struct {
	MaxIdleSessionTTLSeconds int `yaml:"max_idle_session_ttl_seconds"`
	MaxPacketSize            int `yaml:"max_packet_size"`
	MaxPacketIdentifiers     int `yaml:"max_packet_identifiers"`
	MaxQueueSizeQoS0         int `yaml:"max_queue_size_qos0"`
	MaxQueueSizeQoS1         int `yaml:"max_queue_size_qos1"`
	MaxQueueSizeQoS2         int `yaml:"max_queue_size_qos2"`
}

// ToMQTT converts a Quota to mqtt.Quota, falling back to mqtt.DefaultQuota
// field-by-field for anything left at its zero value.
func (q Quota) ToMQTT() mqtt.Quota {
	d := mqtt.DefaultQuota()
	out := d
	if q.MaxIdleSessionTTLSeconds > 0 {
		out.MaxIdleSessionTTL = time.Duration(q.MaxIdleSessionTTLSeconds) * time.Second
	}
	if q.MaxPacketSize > 0 {
		out.MaxPacketSize = q.MaxPacketSize
	}
	if q.MaxPacketIdentifiers > 0 {
		out.MaxPacketIdentifiers = q.MaxPacketIdentifiers
	}
	if q.MaxQueueSizeQoS0 > 0 {
		out.MaxQueueSizeQoS0 = q.MaxQueueSizeQoS0
	}
	if q.MaxQueueSizeQoS1 > 0 {
		out.MaxQueueSizeQoS1 = q.MaxQueueSizeQoS1
	}
	if q.MaxQueueSizeQoS2 > 0 {
		out.MaxQueueSizeQoS2 = q.MaxQueueSizeQoS2
	}
	return out
}

// Load reads and parses path as YAML config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.MaxConnections <= 0 {
		cfg.Server.MaxConnections = 1000
	}
	return &cfg, nil
}
