package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/observability"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/protocol/session"
	"github.com/danmuck/botlink/internal/state"
	"github.com/rs/zerolog"
)

const defaultDrainTimeout = 2 * time.Second

// Runtime owns every agent handle of one session.
type Runtime struct {
	cfg   session.Config
	store *state.Store
	sink  Sink
	log   zerolog.Logger

	mu        sync.Mutex
	handles   []*Handle
	activated bool
	ctx       context.Context
	cancel    context.CancelFunc

	wg     sync.WaitGroup
	faults chan *FaultError
	// drainTimeout bounds how long a stopping worker waits for a decision
	// that ignores cancellation.
	drainTimeout time.Duration
}

func NewRuntime(cfg session.Config, store *state.Store, sink Sink) *Runtime {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		log:    logging.For("agent"),
		ctx:    ctx,
		cancel: cancel,
		faults: make(chan *FaultError, 16),

		drainTimeout: defaultDrainTimeout,
	}
}

// Register adds an agent in the Registered state. Registration closes once the
// runtime is activated.
func (r *Runtime) Register(name string, a Agent, opts ...Option) (*Handle, error) {
	if a == nil {
		return nil, ErrNilAgent
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "agent"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activated {
		return nil, ErrAlreadyActive
	}
	h := newHandle(len(r.handles), name, a, r.cfg, opts)
	r.handles = append(r.handles, h)
	r.log.Debug().Str("agent", h.Key()).Msg("registered")
	return h, nil
}

func (r *Runtime) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Faults reports agents as they fault. Reports are dropped if nobody reads.
func (r *Runtime) Faults() <-chan *FaultError {
	return r.faults
}

// Activate binds handles to the players the host gave this connection, runs
// initialization and starts one worker per agent. It returns once every agent
// is either Active or Faulted.
func (r *Runtime) Activate(ctx context.Context, info schema.ControllableTeamInfo) error {
	r.mu.Lock()
	if r.activated {
		r.mu.Unlock()
		return ErrAlreadyActive
	}
	r.activated = true
	handles := append([]*Handle(nil), r.handles...)
	r.mu.Unlock()

	assigned := assign(handles, info.Controllables)
	if extra := len(info.Controllables) - len(assigned); extra > 0 {
		r.log.Warn().Int("unclaimed", extra).Msg("host assigned more players than registered agents")
	}

	match, _ := r.store.MatchConfiguration()
	field, _ := r.store.FieldInfo()
	for _, h := range handles {
		c, ok := assigned[h]
		if !ok {
			r.fault(h, 0, CauseUnmapped, ErrNoControllable)
			h.finish()
			continue
		}
		h.index.Store(c.Index)
		h.spawnID.Store(c.SpawnID)
		h.team.Store(info.Team)

		if err := r.initialize(ctx, h, match, field); err != nil {
			cause := CauseInit
			if errors.Is(err, ErrPanic) {
				cause = CausePanic
			}
			r.fault(h, 0, cause, err)
			h.finish()
			continue
		}

		wctx, cancel := context.WithCancel(r.ctx)
		h.mu.Lock()
		h.cancel = cancel
		h.mu.Unlock()
		if _, ok := h.transition([]Status{StatusRegistered}, StatusActive); !ok {
			cancel()
			h.finish()
			continue
		}
		r.log.Info().
			Str("agent", h.Key()).
			Uint32("index", c.Index).
			Int32("spawn_id", c.SpawnID).
			Uint32("team", info.Team).
			Msg("active")
		r.wg.Add(1)
		go r.work(wctx, h)
	}
	return nil
}

// Remap applies a later player mapping from the host to the active agents,
// the same way Activate assigned the first one. An agent the new mapping
// leaves out keeps its previous player.
func (r *Runtime) Remap(info schema.ControllableTeamInfo) {
	var active []*Handle
	for _, h := range r.Handles() {
		if h.Status() == StatusActive {
			active = append(active, h)
		}
	}
	assigned := assign(active, info.Controllables)
	for _, h := range active {
		c, ok := assigned[h]
		if !ok {
			r.log.Warn().Str("agent", h.Key()).Uint32("index", h.Index()).Msg("no player in new mapping; keeping the previous one")
			continue
		}
		h.index.Store(c.Index)
		h.spawnID.Store(c.SpawnID)
		h.team.Store(info.Team)
		r.log.Info().
			Str("agent", h.Key()).
			Uint32("index", c.Index).
			Int32("spawn_id", c.SpawnID).
			Uint32("team", info.Team).
			Msg("remapped")
	}
}

// assign maps handles to controllables: explicit spawn ids first, then the
// remaining players in registration order.
func assign(handles []*Handle, players []schema.ControllableInfo) map[*Handle]schema.ControllableInfo {
	out := make(map[*Handle]schema.ControllableInfo, len(handles))
	taken := make([]bool, len(players))
	for _, h := range handles {
		if h.wantSpawn == nil {
			continue
		}
		for i, p := range players {
			if !taken[i] && p.SpawnID == *h.wantSpawn {
				taken[i] = true
				out[h] = p
				break
			}
		}
	}
	next := 0
	for _, h := range handles {
		if h.wantSpawn != nil {
			continue
		}
		for next < len(players) && taken[next] {
			next++
		}
		if next >= len(players) {
			break
		}
		taken[next] = true
		out[h] = players[next]
		next++
	}
	return out
}

func (r *Runtime) initialize(ctx context.Context, h *Handle, match *schema.MatchConfiguration, field *schema.FieldInfo) error {
	setup := &Setup{
		Name:    h.Name,
		Index:   h.Index(),
		SpawnID: h.SpawnID(),
		Team:    h.Team(),
		Match:   match,
		Field:   field,
	}
	if in, ok := h.agent.(Initializer); ok {
		if err := safeCall(func() error { return in.Initialize(ctx, setup) }); err != nil {
			return err
		}
	}
	if setup.loadout != nil {
		if err := r.sink.Submit(schema.SetLoadout{SpawnID: setup.SpawnID, Loadout: *setup.loadout}); err != nil {
			r.log.Warn().Err(err).Str("agent", h.Key()).Msg("set loadout not queued")
		}
	}
	return nil
}

// Deliver queues msg for the active agent controlling index. It never blocks;
// a full inbox drops the message.
func (r *Runtime) Deliver(index uint32, msg schema.Message) bool {
	for _, h := range r.Handles() {
		if h.Status() == StatusActive && h.Index() == index {
			return h.deliver(msg)
		}
	}
	return false
}

// Broadcast queues msg for every active agent. It returns how many inboxes
// accepted it and how many were full.
func (r *Runtime) Broadcast(msg schema.Message) (delivered, dropped int) {
	for _, h := range r.Handles() {
		if h.Status() != StatusActive {
			continue
		}
		if h.deliver(msg) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// Retire stops one agent: its in-flight decision is cancelled, waited for and
// discarded, then Retirer runs and the handle ends Terminated. If the decision
// does not return within the drain timeout the agent is abandoned and Retirer
// is skipped, so agent code never runs concurrently with itself.
func (r *Runtime) Retire(h *Handle) {
	prev, ok := h.transition([]Status{StatusRegistered, StatusActive, StatusFaulted}, StatusRetiring)
	if !ok {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	} else {
		// no worker was ever started
		h.finish()
	}
	<-h.done

	if rt, ok := h.agent.(Retirer); ok && prev != StatusRegistered && !h.abandoned.Load() {
		if err := safeCall(func() error { rt.Retire(); return nil }); err != nil {
			r.log.Warn().Err(err).Str("agent", h.Key()).Msg("retire hook failed")
		}
	}
	if r.sink != nil {
		r.sink.Forget(h.Key())
	}
	h.status.Store(int32(StatusTerminated))
	r.log.Info().Str("agent", h.Key()).Stringer("from", prev).Msg("terminated")
}

func (r *Runtime) RetireAll() {
	for _, h := range r.Handles() {
		r.Retire(h)
	}
	r.Wait()
}

// FaultAll faults every live agent with a pipeline error, then retires them.
func (r *Runtime) FaultAll(err error) {
	for _, h := range r.Handles() {
		r.fault(h, h.LastTick(), CausePipeline, err)
	}
	r.RetireAll()
}

// Wait joins every worker goroutine.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Shutdown retires everything and refuses further activation.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	r.activated = true
	r.mu.Unlock()
	r.RetireAll()
	r.cancel()
}

func (r *Runtime) fault(h *Handle, tick uint32, cause FaultCause, err error) {
	f := &FaultError{Agent: h.Key(), Tick: tick, Cause: cause, Err: err}
	if !h.setFault(f) {
		return
	}
	r.log.Error().
		Err(err).
		Str("agent", h.Key()).
		Uint32("tick", tick).
		Str("cause", string(cause)).
		Msg("agent faulted")
	observability.RecordAgentFault(h.Name, string(cause))
	select {
	case r.faults <- f:
	default:
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError(rec)
		}
	}()
	return fn()
}
