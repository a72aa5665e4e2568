package client

import (
	"sync"

	"github.com/danmuck/botlink/internal/protocol/schema"
)

// gate collects the handshake messages and the host's termination signal.
// The host may send MatchConfiguration, FieldInfo and ControllableTeamInfo in
// any order; ready closes once all three have arrived. A ControllableTeamInfo
// that arrives after that is a new player mapping and goes to remap.
type gate struct {
	mu        sync.Mutex
	match     bool
	field     bool
	team      *schema.ControllableTeamInfo
	ready     chan struct{}
	readyOnce sync.Once
	open      bool
	remap     func(schema.ControllableTeamInfo)

	terminated chan schema.Message
}

func newGate() *gate {
	return &gate{
		ready:      make(chan struct{}),
		terminated: make(chan schema.Message, 1),
	}
}

func (g *gate) Ready(msg schema.Message) {
	g.mu.Lock()
	var remapped *schema.ControllableTeamInfo
	switch m := msg.(type) {
	case schema.MatchConfiguration:
		g.match = true
	case schema.FieldInfo:
		g.field = true
	case schema.ControllableTeamInfo:
		g.team = &m
		if g.open {
			remapped = &m
		}
	}
	if g.match && g.field && g.team != nil {
		g.readyOnce.Do(func() { close(g.ready) })
	}
	remap := g.remap
	g.mu.Unlock()

	if remapped != nil && remap != nil {
		remap(*remapped)
	}
}

// openRemap sends later team infos to fn. used is the mapping the agents were
// activated with; if a newer one arrived meanwhile it is returned.
func (g *gate) openRemap(used *schema.ControllableTeamInfo, fn func(schema.ControllableTeamInfo)) *schema.ControllableTeamInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
	g.remap = fn
	if g.team != used {
		return g.team
	}
	return nil
}

func (g *gate) Terminate(msg schema.Message) {
	select {
	case g.terminated <- msg:
	default:
	}
}

// teamInfo is the latest mapping the host sent, nil before the first.
func (g *gate) teamInfo() *schema.ControllableTeamInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.team
}
