// Package config loads client and match configuration files.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/botlink/internal/client"
	"github.com/danmuck/botlink/internal/protocol/session"
	"gopkg.in/yaml.v3"
)

// Environment variables the host sets when it launches an agent process.
const (
	EnvAgentID    = "RLBOT_AGENT_ID"
	EnvServerIP   = "RLBOT_SERVER_IP"
	EnvServerPort = "RLBOT_SERVER_PORT"
)

const (
	DefaultServerIP   = "127.0.0.1"
	DefaultServerPort = 23234
)

// ClientConfig is everything a bot or manager process needs to open a session.
type ClientConfig struct {
	AgentID              string
	ServerIP             string
	ServerPort           int
	WantsBallPredictions bool
	WantsComms           bool
	CloseBetweenMatches  bool
	Session              session.Config
	MetricsAddr          string
	CorsOrigins          []string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerIP:             DefaultServerIP,
		ServerPort:           DefaultServerPort,
		WantsBallPredictions: true,
		WantsComms:           true,
		CloseBetweenMatches:  true,
		Session:              session.DefaultConfig(),
	}
}

func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.ServerIP, strconv.Itoa(c.ServerPort))
}

// Client converts to the session controller's configuration.
func (c ClientConfig) Client() client.Config {
	return client.Config{
		Address:              c.Address(),
		AgentID:              c.AgentID,
		WantsBallPredictions: c.WantsBallPredictions,
		WantsComms:           c.WantsComms,
		CloseBetweenMatches:  c.CloseBetweenMatches,
		Session:              c.Session.WithDefaults(),
	}
}

// botlink.toml / botlink.yaml key mapping.
type fileConfig struct {
	AgentID              string   `toml:"agent_id" yaml:"agent_id"`
	ServerIP             string   `toml:"server_ip" yaml:"server_ip"`
	ServerPort           int      `toml:"server_port" yaml:"server_port"`
	WantsBallPredictions bool     `toml:"wants_ball_predictions" yaml:"wants_ball_predictions"`
	WantsComms           bool     `toml:"wants_comms" yaml:"wants_comms"`
	CloseBetweenMatches  bool     `toml:"close_between_matches" yaml:"close_between_matches"`
	ConnectTimeout       string   `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout     string   `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout         string   `toml:"write_timeout" yaml:"write_timeout"`
	TickBudget           string   `toml:"tick_budget" yaml:"tick_budget"`
	Fallback             string   `toml:"fallback" yaml:"fallback"`
	MaxViolations        int      `toml:"max_consecutive_violations" yaml:"max_consecutive_violations"`
	InboxSize            int      `toml:"inbox_size" yaml:"inbox_size"`
	OutboxSize           int      `toml:"outbox_size" yaml:"outbox_size"`
	MaxPayloadBytes      uint32   `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
	MetricsAddr          string   `toml:"metrics_addr" yaml:"metrics_addr"`
	CorsOrigins          []string `toml:"cors_origins" yaml:"cors_origins"`
}

// LoadClientConfig reads a TOML or YAML file (by extension) over the defaults.
// Keys absent from the file keep their default values.
func LoadClientConfig(path string) (ClientConfig, error) {
	var (
		raw     fileConfig
		defined func(string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: parse %s: %w", path, err)
		}
		var keys map[string]any
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: parse %s: %w", path, err)
		}
		defined = func(key string) bool {
			_, ok := keys[key]
			return ok
		}
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return ClientConfig{}, fmt.Errorf("load client config: unknown key %q", undecoded[0].String())
		}
		defined = func(key string) bool { return meta.IsDefined(key) }
	}

	cfg := DefaultClientConfig()
	if err := overlay(&cfg, raw, defined); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}

func overlay(cfg *ClientConfig, raw fileConfig, defined func(string) bool) error {
	if defined("agent_id") {
		cfg.AgentID = strings.TrimSpace(raw.AgentID)
	}
	if defined("server_ip") {
		cfg.ServerIP = strings.TrimSpace(raw.ServerIP)
	}
	if defined("server_port") {
		cfg.ServerPort = raw.ServerPort
	}
	if defined("wants_ball_predictions") {
		cfg.WantsBallPredictions = raw.WantsBallPredictions
	}
	if defined("wants_comms") {
		cfg.WantsComms = raw.WantsComms
	}
	if defined("close_between_matches") {
		cfg.CloseBetweenMatches = raw.CloseBetweenMatches
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"tick_budget", raw.TickBudget, &cfg.Session.TickBudget},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if defined("fallback") {
		f, err := session.ParseFallback(raw.Fallback)
		if err != nil {
			return err
		}
		cfg.Session.Fallback = f
	}
	if defined("max_consecutive_violations") {
		cfg.Session.MaxConsecutiveViolations = raw.MaxViolations
	}
	if defined("inbox_size") {
		cfg.Session.InboxSize = raw.InboxSize
	}
	if defined("outbox_size") {
		cfg.Session.OutboxSize = raw.OutboxSize
	}
	if defined("max_payload_bytes") {
		cfg.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if defined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	return nil
}

// ApplyEnv overrides the agent id and host address from the launcher's
// environment. getenv is usually os.Getenv.
func ApplyEnv(cfg *ClientConfig, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvAgentID)); v != "" {
		cfg.AgentID = v
	}
	if v := strings.TrimSpace(getenv(EnvServerIP)); v != "" {
		cfg.ServerIP = v
	}
	if v := strings.TrimSpace(getenv(EnvServerPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvServerPort, v, err)
		}
		cfg.ServerPort = port
	}
	return ValidateClientConfig(*cfg)
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.ServerIP) == "" {
		return fmt.Errorf("server_ip is required")
	}
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", cfg.ServerPort)
	}
	s := cfg.Session
	if s.TickBudget < 0 || s.ConnectTimeout < 0 || s.HandshakeTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if s.MaxConsecutiveViolations < 0 {
		return fmt.Errorf("max_consecutive_violations must not be negative")
	}
	return nil
}
