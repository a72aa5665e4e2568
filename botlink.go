// Package botlink connects bots, scripts and match managers to a game host.
//
// A Client owns one session: it dials the host, performs the connection
// handshake, drives every registered Agent once per host tick under a time
// budget and tears down cleanly when either side ends the match.
package botlink

import (
	"github.com/danmuck/botlink/internal/agent"
	"github.com/danmuck/botlink/internal/client"
	"github.com/danmuck/botlink/internal/config"
	"github.com/danmuck/botlink/internal/protocol/codec"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/protocol/session"
	"github.com/danmuck/botlink/internal/state"
	"github.com/danmuck/botlink/internal/transport"
)

type (
	Client       = client.Client
	Config       = client.Config
	ClientConfig = config.ClientConfig
	Phase        = client.Phase

	Agent          = agent.Agent
	Initializer    = agent.Initializer
	Retirer        = agent.Retirer
	MessageHandler = agent.MessageHandler
	Tick           = agent.Tick
	Setup          = agent.Setup
	Action         = agent.Action
	Handle         = agent.Handle
	Option         = agent.Option
	Status         = agent.Status
	FaultCause     = agent.FaultCause

	Snapshot = state.Snapshot
	Fallback = session.Fallback

	Message              = schema.Message
	Vector3              = schema.Vector3
	Rotator              = schema.Rotator
	Physics              = schema.Physics
	Color                = schema.Color
	ControllerState      = schema.ControllerState
	GamePacket           = schema.GamePacket
	PlayerInfo           = schema.PlayerInfo
	BallInfo             = schema.BallInfo
	BallPrediction       = schema.BallPrediction
	FieldInfo            = schema.FieldInfo
	MatchConfiguration   = schema.MatchConfiguration
	PlayerConfiguration  = schema.PlayerConfiguration
	PlayerLoadout        = schema.PlayerLoadout
	MatchComm            = schema.MatchComm
	RenderGroup          = schema.RenderGroup
	RenderMessage        = schema.RenderMessage
	RenderAck            = schema.RenderAck
	DesiredGameState     = schema.DesiredGameState
	DesiredBallState     = schema.DesiredBallState
	DesiredCarState      = schema.DesiredCarState
	DesiredMatchInfo     = schema.DesiredMatchInfo
	DesiredPhysics       = schema.DesiredPhysics
	StartCommand         = schema.StartCommand
	StopCommand          = schema.StopCommand
	ControllableTeamInfo = schema.ControllableTeamInfo

	ConnectionError = transport.ConnectionError
	TransportError  = transport.TransportError
	CodecError      = codec.Error
	SchemaError     = schema.Error
	FaultError      = agent.FaultError
)

const (
	FallbackRepeatLast = session.FallbackRepeatLast
	FallbackNeutral    = session.FallbackNeutral

	StatusRegistered = agent.StatusRegistered
	StatusActive     = agent.StatusActive
	StatusRetiring   = agent.StatusRetiring
	StatusFaulted    = agent.StatusFaulted
	StatusTerminated = agent.StatusTerminated
)

var (
	ErrEndOfStream      = transport.ErrEndOfStream
	ErrNotReady         = state.ErrNotReady
	ErrAlreadyRun       = client.ErrAlreadyRun
	ErrNotActive        = client.ErrNotActive
	ErrHandshakeTimeout = client.ErrHandshakeTimeout
	ErrBudgetExceeded   = agent.ErrBudgetExceeded
	ErrPanic            = agent.ErrPanic
	ErrNoControllable   = agent.ErrNoControllable
)

var (
	WithSpawnID                  = agent.WithSpawnID
	WithTickBudget               = agent.WithTickBudget
	WithFallback                 = agent.WithFallback
	WithMaxConsecutiveViolations = agent.WithMaxConsecutiveViolations

	FillDesiredGameState = schema.FillDesiredGameState
	LoadMatchConfig      = config.LoadMatchConfig
)

// DefaultConfig connects to a host on the local machine.
func DefaultConfig() Config {
	return client.DefaultConfig()
}

// NewClient builds a client for one session.
func NewClient(cfg Config) (*Client, error) {
	return client.New(cfg)
}

// LoadConfig reads a TOML or YAML client config and applies the launcher's
// environment overrides.
func LoadConfig(path string, getenv func(string) string) (ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if path != "" {
		loaded, err := config.LoadClientConfig(path)
		if err != nil {
			return ClientConfig{}, err
		}
		cfg = loaded
	}
	if getenv != nil {
		if err := config.ApplyEnv(&cfg, getenv); err != nil {
			return ClientConfig{}, err
		}
	}
	return cfg, nil
}
