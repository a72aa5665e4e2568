package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/protocol/session"
)

type Status int32

const (
	StatusRegistered Status = iota
	StatusActive
	StatusRetiring
	StatusFaulted
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusActive:
		return "active"
	case StatusRetiring:
		return "retiring"
	case StatusFaulted:
		return "faulted"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Option tunes one agent at registration.
type Option func(*options)

type options struct {
	spawnID       *int32
	budget        time.Duration
	fallback      *session.Fallback
	maxViolations int
}

// WithSpawnID binds the agent to the host player with this spawn id instead
// of taking the next free controllable.
func WithSpawnID(id int32) Option {
	return func(o *options) { o.spawnID = &id }
}

func WithTickBudget(d time.Duration) Option {
	return func(o *options) { o.budget = d }
}

func WithFallback(f session.Fallback) Option {
	return func(o *options) { o.fallback = &f }
}

func WithMaxConsecutiveViolations(n int) Option {
	return func(o *options) { o.maxViolations = n }
}

// Handle is the runtime's record of one registered agent.
type Handle struct {
	ID   int
	Name string

	agent         Agent
	wantSpawn     *int32
	budget        time.Duration
	fallback      session.Fallback
	maxViolations int

	status      atomic.Int32
	index       atomic.Uint32
	team        atomic.Uint32
	spawnID     atomic.Int32
	lastTick    atomic.Uint32
	violations  atomic.Uint64
	consecutive atomic.Int64
	fallbacks   atomic.Uint64
	actions     atomic.Uint64
	// abandoned is set when a decision outlived the worker; the agent is
	// never entered again.
	abandoned atomic.Bool

	mu       sync.Mutex
	lastCtrl schema.ControllerState
	fault    *FaultError
	cancel   context.CancelFunc

	inbox    chan schema.Message
	done     chan struct{}
	doneOnce sync.Once
}

func newHandle(id int, name string, a Agent, cfg session.Config, opts []Option) *Handle {
	o := options{budget: cfg.TickBudget, maxViolations: cfg.MaxConsecutiveViolations}
	for _, opt := range opts {
		opt(&o)
	}
	fallback := cfg.Fallback
	if o.fallback != nil {
		fallback = *o.fallback
	}
	if o.budget <= 0 {
		o.budget = cfg.TickBudget
	}
	if o.maxViolations <= 0 {
		o.maxViolations = cfg.MaxConsecutiveViolations
	}
	h := &Handle{
		ID:            id,
		Name:          name,
		agent:         a,
		wantSpawn:     o.spawnID,
		budget:        o.budget,
		fallback:      fallback,
		maxViolations: o.maxViolations,
		inbox:         make(chan schema.Message, cfg.InboxSize),
		done:          make(chan struct{}),
	}
	h.status.Store(int32(StatusRegistered))
	return h
}

// Key identifies the handle in logs, metrics and the outbox.
func (h *Handle) Key() string {
	return fmt.Sprintf("%s#%d", h.Name, h.ID)
}

func (h *Handle) Status() Status             { return Status(h.status.Load()) }
func (h *Handle) Index() uint32              { return h.index.Load() }
func (h *Handle) Team() uint32               { return h.team.Load() }
func (h *Handle) SpawnID() int32             { return h.spawnID.Load() }
func (h *Handle) LastTick() uint32           { return h.lastTick.Load() }
func (h *Handle) Violations() uint64         { return h.violations.Load() }
func (h *Handle) ConsecutiveViolations() int { return int(h.consecutive.Load()) }
func (h *Handle) Fallbacks() uint64          { return h.fallbacks.Load() }
func (h *Handle) ActionsSent() uint64        { return h.actions.Load() }

// Fault is the error that moved the agent to Faulted, or nil.
func (h *Handle) Fault() *FaultError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fault
}

func (h *Handle) LastController() schema.ControllerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCtrl
}

// Done is closed once the worker has exited (or immediately if it never ran).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// transition moves the handle to `to` if it is currently in one of from,
// returning the status it left.
func (h *Handle) transition(from []Status, to Status) (Status, bool) {
	for {
		cur := h.status.Load()
		allowed := false
		for _, f := range from {
			if int32(f) == cur {
				allowed = true
				break
			}
		}
		if !allowed {
			return Status(cur), false
		}
		if h.status.CompareAndSwap(cur, int32(to)) {
			return Status(cur), true
		}
	}
}

func (h *Handle) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// deliver hands msg to the inbox without blocking.
func (h *Handle) deliver(msg schema.Message) bool {
	if h.Status() != StatusActive {
		return false
	}
	select {
	case h.inbox <- msg:
		return true
	default:
		return false
	}
}

func (h *Handle) setFault(f *FaultError) bool {
	if _, ok := h.transition([]Status{StatusRegistered, StatusActive}, StatusFaulted); !ok {
		return false
	}
	h.mu.Lock()
	h.fault = f
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func (h *Handle) setLastController(c schema.ControllerState) {
	h.mu.Lock()
	h.lastCtrl = c
	h.mu.Unlock()
}

func (h *Handle) fallbackAction() Action {
	if h.fallback == session.FallbackNeutral {
		return Action{}
	}
	return Action{Controller: h.LastController()}
}
