package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/botlink/internal/protocol/frame"
)

// Fallback selects the action sent when an agent misses its budget.
type Fallback uint8

const (
	FallbackRepeatLast Fallback = iota
	FallbackNeutral
)

func (f Fallback) String() string {
	switch f {
	case FallbackRepeatLast:
		return "repeat_last"
	case FallbackNeutral:
		return "neutral"
	default:
		return fmt.Sprintf("fallback(%d)", uint8(f))
	}
}

func ParseFallback(raw string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "repeat_last", "repeat-last", "last":
		return FallbackRepeatLast, nil
	case "neutral", "noop", "no-op":
		return FallbackNeutral, nil
	default:
		return 0, fmt.Errorf("session: unknown fallback policy %q", raw)
	}
}

// Config defines session timing, budget and buffering.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// TickBudget bounds one agent decision.
	TickBudget               time.Duration
	Fallback                 Fallback
	MaxConsecutiveViolations int

	InboxSize  int
	OutboxSize int
	Limits     frame.Limits
	Backoff    BackoffConfig
}

// DefaultConfig returns defaults matched to a 120Hz host.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:           120 * time.Second,
		HandshakeTimeout:         30 * time.Second,
		WriteTimeout:             5 * time.Second,
		TickBudget:               time.Second / 120,
		Fallback:                 FallbackRepeatLast,
		MaxConsecutiveViolations: 5,
		InboxSize:                64,
		OutboxSize:               256,
		Limits:                   frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     time.Second,
			Jitter:       false,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.TickBudget <= 0 {
		c.TickBudget = d.TickBudget
	}
	if c.MaxConsecutiveViolations <= 0 {
		c.MaxConsecutiveViolations = d.MaxConsecutiveViolations
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits.MaxPayloadBytes = d.Limits.MaxPayloadBytes
	}
	if c.Limits.MaxSkipBytes == 0 {
		c.Limits.MaxSkipBytes = d.Limits.MaxSkipBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
