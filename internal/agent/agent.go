// Package agent drives registered bots once per host tick.
//
// Each agent gets one worker goroutine. The worker waits for the tick to
// advance, runs Decide in its own goroutine under the tick budget, and hands
// the resulting Action (or a fallback) to the session's Sink. Agent failures
// stay on their handle and never reach the receive pipeline or siblings.
package agent

import (
	"context"

	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/state"
)

// Agent is the decision logic for one controlled player.
// The agent value itself is its persistent memory between ticks.
type Agent interface {
	Decide(ctx context.Context, t Tick) (Action, error)
}

// Initializer is called once after the host assigns the agent a player,
// before the first tick.
type Initializer interface {
	Initialize(ctx context.Context, setup *Setup) error
}

// Retirer is called once when the agent leaves the session.
type Retirer interface {
	Retire()
}

// MessageHandler receives inbox messages (match comms, input echoes, render
// acks). It is called from the agent's worker between ticks, never
// concurrently with Decide.
type MessageHandler interface {
	HandleMessage(msg schema.Message)
}

// Tick is what Decide sees: an immutable snapshot plus who the agent is.
// Do not keep references to it past the call.
type Tick struct {
	Snapshot *state.Snapshot
	Index    uint32
	Team     uint32
	Field    *schema.FieldInfo
	Match    *schema.MatchConfiguration
}

// Number is the session tick; it keeps counting across matches.
func (t Tick) Number() uint32 {
	return t.Snapshot.Tick
}

// Frame is the host's frame number within the current match.
func (t Tick) Frame() uint32 {
	return t.Snapshot.Frame
}

// Self is the agent's own car in this tick.
func (t Tick) Self() schema.PlayerInfo {
	return t.Snapshot.Packet.Players[t.Index]
}

// Ball returns the first ball, if the packet has one.
func (t Tick) Ball() (schema.BallInfo, bool) {
	if len(t.Snapshot.Packet.Balls) == 0 {
		return schema.BallInfo{}, false
	}
	return t.Snapshot.Packet.Balls[0], true
}

// Setup is passed to Initializer.
type Setup struct {
	Name    string
	Index   uint32
	SpawnID int32
	Team    uint32
	Match   *schema.MatchConfiguration
	Field   *schema.FieldInfo

	loadout *schema.PlayerLoadout
}

// SetLoadout asks the host to apply l to this agent's car. Only honored
// during initialization.
func (s *Setup) SetLoadout(l schema.PlayerLoadout) {
	s.loadout = &l
}

// Action is one tick's decision. Comms are stamped with the agent's index and
// team before sending.
type Action struct {
	Controller   schema.ControllerState
	Comms        []schema.MatchComm
	Render       []schema.RenderGroup
	RemoveRender []int32
	GameState    *schema.DesiredGameState
}

// messages lists the wire messages for this action; the player input always
// comes first.
func (a Action) messages(index, team uint32) []schema.Message {
	out := make([]schema.Message, 0, 1+len(a.Comms)+len(a.Render)+len(a.RemoveRender))
	out = append(out, schema.PlayerInput{PlayerIndex: index, Controller: a.Controller})
	for _, c := range a.Comms {
		c.Index = index
		c.Team = team
		out = append(out, c)
	}
	for _, g := range a.Render {
		out = append(out, g)
	}
	for _, id := range a.RemoveRender {
		out = append(out, schema.RemoveRenderGroup{ID: id})
	}
	if a.GameState != nil {
		out = append(out, *a.GameState)
	}
	return out
}

// Sink is where the runtime sends what agents produce.
type Sink interface {
	// SubmitAction queues one agent's messages for tick as a unit.
	SubmitAction(agent string, tick uint32, msgs []schema.Message) error
	// Submit queues messages that are not tied to a tick.
	Submit(msgs ...schema.Message) error
	// Forget drops per-agent bookkeeping once the agent is gone.
	Forget(agent string)
}
