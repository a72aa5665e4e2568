// Package match starts, steers and stops matches over a manager session: a
// connection that controls no players.
package match

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/botlink/internal/client"
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/state"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("match: not connected")

type Manager struct {
	cfg client.Config
	log zerolog.Logger

	mu          sync.Mutex
	client      *client.Client
	runErr      chan error
	initialized bool
}

// NewManager keeps cfg's address and timeouts. Managers connect without
// comms or ball predictions and stay connected between matches unless the
// caller connects explicitly with other settings.
func NewManager(cfg client.Config) *Manager {
	cfg.WantsComms = false
	cfg.WantsBallPredictions = false
	cfg.CloseBetweenMatches = false
	return &Manager{cfg: cfg, log: logging.For("match")}
}

// Config is what the next implicit connection will use.
func (m *Manager) Config() client.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Connect opens the session with cfg's flags and returns once it is active.
func (m *Manager) Connect(ctx context.Context, cfg client.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return m.connectLocked(ctx)
}

func (m *Manager) connectLocked(ctx context.Context) error {
	if m.client != nil {
		select {
		case <-m.client.Done():
		default:
			return nil
		}
	}
	c, err := client.New(m.cfg)
	if err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	select {
	case <-c.Active():
	case err := <-runErr:
		if err == nil {
			err = ErrNotConnected
		}
		return err
	case <-ctx.Done():
		c.Close()
		<-runErr
		return ctx.Err()
	}
	m.client = c
	m.runErr = runErr
	m.initialized = false
	return nil
}

// StartMatch asks the host to load the match TOML at path. The path is
// resolved by the host, not by us.
func (m *Manager) StartMatch(ctx context.Context, path string, wait bool) error {
	return m.start(ctx, schema.StartCommand{ConfigPath: path}, wait)
}

// StartMatchConfig starts a match from an already parsed configuration.
func (m *Manager) StartMatchConfig(ctx context.Context, cfg schema.MatchConfiguration, wait bool) error {
	return m.start(ctx, cfg, wait)
}

func (m *Manager) start(ctx context.Context, msg schema.Message, wait bool) error {
	m.mu.Lock()
	if err := m.connectLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	c := m.client
	if err := c.Send(msg); err != nil {
		m.mu.Unlock()
		return err
	}
	if !m.initialized {
		if err := c.Send(schema.InitComplete{}); err != nil {
			m.mu.Unlock()
			return err
		}
		m.initialized = true
	}
	m.mu.Unlock()
	m.log.Info().Stringer("kind", msg.Kind()).Msg("match start requested")

	if !wait {
		return nil
	}
	snap, err := c.WaitForMatchStart(ctx)
	if err != nil {
		return err
	}
	m.log.Debug().Uint32("tick", snap.Tick).Msg("first live packet")
	return nil
}

// SetGameState sends a desired state built from sparse index maps.
func (m *Manager) SetGameState(balls map[int]schema.DesiredBallState, cars map[int]schema.DesiredCarState, info *schema.DesiredMatchInfo, commands []string) error {
	return m.send(schema.FillDesiredGameState(balls, cars, info, commands))
}

// StopMatch ends the current match; shutdownServer also stops the host.
func (m *Manager) StopMatch(shutdownServer bool) error {
	return m.send(schema.StopCommand{ShutdownServer: shutdownServer})
}

// Packet is the latest snapshot the host published.
func (m *Manager) Packet() (*state.Snapshot, error) {
	c := m.current()
	if c == nil {
		return nil, ErrNotConnected
	}
	return c.State().Current()
}

// Disconnect ends the session and waits for it to close. The host keeps
// running.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	c, runErr := m.client, m.runErr
	m.client, m.runErr = nil, nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	c.Close()
	return <-runErr
}

func (m *Manager) send(msg schema.Message) error {
	c := m.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(msg)
}

func (m *Manager) current() *client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}
