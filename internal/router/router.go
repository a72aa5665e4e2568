// Package router delivers each decoded message to exactly one consumer class:
// session state, the lifecycle controller, or agent inboxes. It runs on the
// receive goroutine and never blocks.
package router

import (
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/observability"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/state"
	"github.com/rs/zerolog"
)

// Lifecycle receives handshake and termination events.
type Lifecycle interface {
	// Ready is called whenever a handshake prerequisite arrives.
	Ready(msg schema.Message)
	// Terminate is called when the host sends Disconnect.
	Terminate(msg schema.Message)
}

// Inboxes addresses agents by player index.
type Inboxes interface {
	Deliver(index uint32, msg schema.Message) bool
	Broadcast(msg schema.Message) (delivered, dropped int)
}

// Route names where a message went; returned for logging and tests.
type Route string

const (
	RouteState     Route = "state"
	RouteLifecycle Route = "lifecycle"
	RouteAgent     Route = "agent"
	RouteDropped   Route = "dropped"
)

type Router struct {
	store     *state.Store
	lifecycle Lifecycle
	inboxes   Inboxes
	log       zerolog.Logger
}

func New(store *state.Store, lifecycle Lifecycle, inboxes Inboxes) *Router {
	return &Router{
		store:     store,
		lifecycle: lifecycle,
		inboxes:   inboxes,
		log:       logging.For("router"),
	}
}

// Dispatch routes msg. Callers must dispatch in receive order.
func (r *Router) Dispatch(msg schema.Message) Route {
	observability.RecordFrameReceived(msg.Kind().String())
	switch m := msg.(type) {
	case schema.GamePacket:
		if _, err := r.store.Update(m); err != nil {
			r.log.Debug().Err(err).Msg("snapshot rejected")
			observability.RecordFrameDropped(observability.DropStale)
			return RouteDropped
		}
		return RouteState
	case schema.BallPrediction:
		r.store.SetBallPrediction(m)
		return RouteState
	case schema.MatchConfiguration:
		r.store.BeginMatch()
		r.store.SetMatchConfiguration(m)
		r.ready(m)
		return RouteState
	case schema.FieldInfo:
		r.store.SetFieldInfo(m)
		r.ready(m)
		return RouteState
	case schema.ControllableTeamInfo:
		r.ready(m)
		return RouteLifecycle
	case schema.StartCommand, schema.StopCommand:
		// match boundaries; the session itself stays up
		r.store.BeginMatch()
		r.log.Info().Stringer("kind", msg.Kind()).Uint32("match", r.store.Match()).Msg("match event")
		return RouteState
	case schema.Disconnect:
		if r.lifecycle != nil {
			r.lifecycle.Terminate(m)
		}
		return RouteLifecycle
	case schema.MatchComm:
		return r.broadcast(m)
	case schema.PlayerInput:
		return r.deliver(m.PlayerIndex, m)
	case schema.RenderAck:
		return r.deliver(m.PlayerIndex, m)
	case schema.Unknown:
		r.log.Debug().Uint16("kind", uint16(m.Type)).Int("bytes", len(m.Payload)).Msg("dropping unknown message kind")
		observability.RecordFrameDropped(observability.DropUnknown)
		return RouteDropped
	default:
		r.log.Debug().Stringer("kind", msg.Kind()).Msg("dropping message with no client-side consumer")
		observability.RecordFrameDropped(observability.DropNoTarget)
		return RouteDropped
	}
}

func (r *Router) ready(msg schema.Message) {
	if r.lifecycle != nil {
		r.lifecycle.Ready(msg)
	}
}

func (r *Router) deliver(index uint32, msg schema.Message) Route {
	if r.inboxes == nil || !r.inboxes.Deliver(index, msg) {
		observability.RecordFrameDropped(observability.DropInboxFull)
		r.log.Debug().Stringer("kind", msg.Kind()).Uint32("index", index).Msg("agent inbox unavailable; dropped")
		return RouteDropped
	}
	return RouteAgent
}

func (r *Router) broadcast(m schema.MatchComm) Route {
	if r.inboxes == nil {
		observability.RecordFrameDropped(observability.DropNoTarget)
		return RouteDropped
	}
	_, dropped := r.inboxes.Broadcast(m)
	for i := 0; i < dropped; i++ {
		observability.RecordFrameDropped(observability.DropInboxFull)
	}
	return RouteAgent
}
