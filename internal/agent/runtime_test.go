package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/protocol/session"
	"github.com/danmuck/botlink/internal/state"
	"github.com/danmuck/botlink/internal/testutil/testlog"
)

type submission struct {
	agent string
	tick  uint32
	msgs  []schema.Message
}

type captureSink struct {
	mu      sync.Mutex
	actions []submission
	extra   []schema.Message
	forgot  []string
}

func (s *captureSink) SubmitAction(agent string, tick uint32, msgs []schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.agent == agent && a.tick >= tick {
			return session.ErrDuplicateAction
		}
	}
	s.actions = append(s.actions, submission{agent: agent, tick: tick, msgs: msgs})
	return nil
}

func (s *captureSink) Submit(msgs ...schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra = append(s.extra, msgs...)
	return nil
}

func (s *captureSink) Forget(agent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgot = append(s.forgot, agent)
}

func (s *captureSink) forAgent(agent string) []submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []submission
	for _, a := range s.actions {
		if a.agent == agent {
			out = append(out, a)
		}
	}
	return out
}

func (s *captureSink) hasTick(agent string, tick uint32) bool {
	for _, a := range s.forAgent(agent) {
		if a.tick == tick {
			return true
		}
	}
	return false
}

func input(t *testing.T, sub submission) schema.PlayerInput {
	t.Helper()
	in, ok := sub.msgs[0].(schema.PlayerInput)
	if !ok {
		t.Fatalf("first message is %T, want PlayerInput", sub.msgs[0])
	}
	return in
}

type decideFunc func(ctx context.Context, t Tick) (Action, error)

func (f decideFunc) Decide(ctx context.Context, t Tick) (Action, error) { return f(ctx, t) }

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.TickBudget = 20 * time.Millisecond
	cfg.InboxSize = 4
	return cfg
}

func newTestRuntime(cfg session.Config) (*Runtime, *state.Store, *captureSink) {
	store := state.NewStore()
	sink := &captureSink{}
	return NewRuntime(cfg, store, sink), store, sink
}

func publish(t *testing.T, store *state.Store, tick uint32, players int) {
	t.Helper()
	if _, err := store.Update(schema.GamePacket{
		MatchInfo: schema.MatchInfo{FrameNum: tick, Phase: schema.PhaseActive},
		Players:   make([]schema.PlayerInfo, players),
	}); err != nil {
		t.Fatalf("publish tick %d: %v", tick, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func team(players ...schema.ControllableInfo) schema.ControllableTeamInfo {
	return schema.ControllableTeamInfo{Team: 1, Controllables: players}
}

func TestOneActionPerTick(t *testing.T) {
	testlog.Start(t)
	rt, store, sink := newTestRuntime(testConfig())
	h, err := rt.Register("atba", decideFunc(func(_ context.Context, tk Tick) (Action, error) {
		return Action{Controller: schema.ControllerState{Throttle: 1, Steer: float32(tk.Number())}}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.Status() != StatusRegistered {
		t.Fatalf("expected registered, got %s", h.Status())
	}
	if err := rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0, SpawnID: 11})); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer rt.RetireAll()
	if h.Status() != StatusActive {
		t.Fatalf("expected active, got %s", h.Status())
	}

	for tick := uint32(1); tick <= 3; tick++ {
		publish(t, store, tick, 1)
		waitFor(t, "action", func() bool { return sink.hasTick(h.Key(), tick) })
	}
	subs := sink.forAgent(h.Key())
	if len(subs) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(subs))
	}
	for i, sub := range subs {
		in := input(t, sub)
		if sub.tick != uint32(i+1) || in.Controller.Steer != float32(i+1) || in.PlayerIndex != 0 {
			t.Fatalf("action %d mismatch: tick=%d input=%+v", i, sub.tick, in)
		}
	}
	if h.ActionsSent() != 3 || h.LastTick() != 3 {
		t.Fatalf("handle counters: sent=%d last=%d", h.ActionsSent(), h.LastTick())
	}
}

func TestBudgetViolationSendsFallbackOnce(t *testing.T) {
	testlog.Start(t)
	rt, store, sink := newTestRuntime(testConfig())
	release := make(chan struct{})
	h, _ := rt.Register("slow", decideFunc(func(_ context.Context, tk Tick) (Action, error) {
		if tk.Number() == 2 {
			<-release
			return Action{Controller: schema.ControllerState{Throttle: -1}}, nil
		}
		return Action{Controller: schema.ControllerState{Throttle: 0.5}}, nil
	}))
	if err := rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0})); err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer rt.RetireAll()

	publish(t, store, 1, 1)
	waitFor(t, "tick 1", func() bool { return sink.hasTick(h.Key(), 1) })
	publish(t, store, 2, 1)
	waitFor(t, "tick 2 fallback", func() bool { return sink.hasTick(h.Key(), 2) })

	subs := sink.forAgent(h.Key())
	if got := input(t, subs[1]).Controller.Throttle; got != 0.5 {
		t.Fatalf("fallback should repeat last controller, got throttle=%v", got)
	}
	if h.Violations() != 1 || h.ConsecutiveViolations() != 1 || h.Fallbacks() != 1 {
		t.Fatalf("expected one violation, got total=%d consecutive=%d fallbacks=%d",
			h.Violations(), h.ConsecutiveViolations(), h.Fallbacks())
	}

	close(release)
	time.Sleep(10 * time.Millisecond)
	publish(t, store, 3, 1)
	waitFor(t, "tick 3", func() bool { return sink.hasTick(h.Key(), 3) })
	subs = sink.forAgent(h.Key())
	if len(subs) != 3 {
		t.Fatalf("late result must be discarded, got %d actions", len(subs))
	}
	if got := input(t, subs[2]).Controller.Throttle; got != 0.5 {
		t.Fatalf("tick 3 should be a fresh decision, got throttle=%v", got)
	}
	if h.Violations() != 1 || h.ConsecutiveViolations() != 0 {
		t.Fatalf("violation counters after recovery: total=%d consecutive=%d", h.Violations(), h.ConsecutiveViolations())
	}
}

func TestStragglerBlocksNewInvocations(t *testing.T) {
	testlog.Start(t)
	rt, store, sink := newTestRuntime(testConfig())
	var calls atomic.Int32
	release := make(chan struct{})
	h, _ := rt.Register("stuck", decideFunc(func(context.Context, Tick) (Action, error) {
		calls.Add(1)
		<-release
		return Action{}, nil
	}))
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}))
	defer func() {
		close(release)
		rt.RetireAll()
	}()

	for tick := uint32(1); tick <= 3; tick++ {
		publish(t, store, tick, 1)
		waitFor(t, "fallback", func() bool { return sink.hasTick(h.Key(), tick) })
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single invocation while it is still running, got %d", calls.Load())
	}
	if h.Violations() != 3 {
		t.Fatalf("expected one violation per tick, got %d", h.Violations())
	}
}

func TestRepeatedViolationsFault(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.TickBudget = 5 * time.Millisecond
	cfg.Fallback = session.FallbackNeutral
	cfg.MaxConsecutiveViolations = 3
	rt, store, sink := newTestRuntime(cfg)
	h, _ := rt.Register("lazy", decideFunc(func(ctx context.Context, _ Tick) (Action, error) {
		<-ctx.Done()
		return Action{Controller: schema.ControllerState{Throttle: 1}}, ctx.Err()
	}))
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}))
	defer rt.RetireAll()

	for tick := uint32(1); tick <= 3; tick++ {
		publish(t, store, tick, 1)
		waitFor(t, "fallback", func() bool { return sink.hasTick(h.Key(), tick) })
	}
	waitFor(t, "fault", func() bool { return h.Status() == StatusFaulted })
	f := h.Fault()
	if f == nil || f.Cause != CauseBudget || !errors.Is(f, ErrBudgetExceeded) {
		t.Fatalf("unexpected fault: %+v", f)
	}
	for _, sub := range sink.forAgent(h.Key()) {
		if in := input(t, sub); in.Controller != (schema.ControllerState{}) {
			t.Fatalf("neutral fallback expected, got %+v", in.Controller)
		}
	}

	publish(t, store, 4, 1)
	time.Sleep(30 * time.Millisecond)
	if sink.hasTick(h.Key(), 4) {
		t.Fatalf("faulted agent must not send")
	}
}

func TestFaultIsolation(t *testing.T) {
	testlog.Start(t)
	rt, store, sink := newTestRuntime(testConfig())
	bad, _ := rt.Register("bad", decideFunc(func(_ context.Context, tk Tick) (Action, error) {
		if tk.Number() == 2 {
			panic("bad wheel")
		}
		return Action{}, nil
	}))
	good, _ := rt.Register("good", decideFunc(func(_ context.Context, tk Tick) (Action, error) {
		return Action{Controller: schema.ControllerState{Throttle: 1}}, nil
	}))
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}, schema.ControllableInfo{Index: 1}))
	defer rt.RetireAll()

	for tick := uint32(1); tick <= 3; tick++ {
		publish(t, store, tick, 2)
		waitFor(t, "good agent action", func() bool { return sink.hasTick(good.Key(), tick) })
	}
	select {
	case f := <-rt.Faults():
		if f.Agent != bad.Key() || f.Cause != CausePanic || f.Tick != 2 || !errors.Is(f, ErrPanic) {
			t.Fatalf("unexpected fault report: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("fault was not reported")
	}
	if bad.Status() != StatusFaulted || good.Status() != StatusActive {
		t.Fatalf("statuses: bad=%s good=%s", bad.Status(), good.Status())
	}
	if n := len(sink.forAgent(bad.Key())); n != 1 {
		t.Fatalf("faulted agent sent %d actions, want 1", n)
	}
	if got := input(t, sink.forAgent(good.Key())[1]).PlayerIndex; got != 1 {
		t.Fatalf("good agent index mismatch: %d", got)
	}
}

type retiringAgent struct {
	entered chan struct{}
	retired atomic.Bool
}

func (a *retiringAgent) Decide(ctx context.Context, _ Tick) (Action, error) {
	close(a.entered)
	<-ctx.Done()
	return Action{Controller: schema.ControllerState{Boost: true}}, nil
}

func (a *retiringAgent) Retire() { a.retired.Store(true) }

func TestRetireCancelsInFlightDecision(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.TickBudget = time.Minute
	rt, store, sink := newTestRuntime(cfg)
	a := &retiringAgent{entered: make(chan struct{})}
	h, _ := rt.Register("retiree", a)
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}))

	publish(t, store, 1, 1)
	<-a.entered
	done := make(chan struct{})
	go func() {
		rt.Retire(h)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("retire did not cancel the in-flight decision")
	}
	if h.Status() != StatusTerminated || !a.retired.Load() {
		t.Fatalf("status=%s retired=%v", h.Status(), a.retired.Load())
	}
	if len(sink.forAgent(h.Key())) != 0 {
		t.Fatalf("cancelled decision must be discarded")
	}
	sink.mu.Lock()
	forgot := append([]string(nil), sink.forgot...)
	sink.mu.Unlock()
	if len(forgot) != 1 || forgot[0] != h.Key() {
		t.Fatalf("outbox bookkeeping not released: %v", forgot)
	}
	rt.Retire(h)
	if h.Status() != StatusTerminated {
		t.Fatalf("second retire changed status")
	}
}

// deafAgent finishes its decision whatever the context says.
type deafAgent struct {
	entered  chan struct{}
	hold     time.Duration
	deciding atomic.Bool
	overlap  atomic.Bool
	retired  atomic.Bool
}

func (a *deafAgent) Decide(context.Context, Tick) (Action, error) {
	a.deciding.Store(true)
	close(a.entered)
	time.Sleep(a.hold)
	a.deciding.Store(false)
	return Action{}, nil
}

func (a *deafAgent) Retire() {
	if a.deciding.Load() {
		a.overlap.Store(true)
	}
	a.retired.Store(true)
}

func TestRetireWaitsForDecisionIgnoringCancel(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.TickBudget = time.Minute
	rt, store, sink := newTestRuntime(cfg)
	a := &deafAgent{entered: make(chan struct{}), hold: 150 * time.Millisecond}
	h, _ := rt.Register("deaf", a)
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}))

	publish(t, store, 1, 1)
	<-a.entered
	rt.Retire(h)
	if a.overlap.Load() || !a.retired.Load() {
		t.Fatalf("retire hook overlapped=%v ran=%v", a.overlap.Load(), a.retired.Load())
	}
	if h.Status() != StatusTerminated {
		t.Fatalf("status = %s", h.Status())
	}
	if len(sink.forAgent(h.Key())) != 0 {
		t.Fatalf("decision finished after retirement must be discarded")
	}
}

func TestRetireAbandonsDecisionPastDrainTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.TickBudget = time.Minute
	rt, store, _ := newTestRuntime(cfg)
	rt.drainTimeout = 20 * time.Millisecond
	a := &deafAgent{entered: make(chan struct{}), hold: 300 * time.Millisecond}
	h, _ := rt.Register("deaf", a)
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}))

	publish(t, store, 1, 1)
	<-a.entered
	start := time.Now()
	rt.Retire(h)
	if waited := time.Since(start); waited > 250*time.Millisecond {
		t.Fatalf("retire waited %s for an unresponsive decision", waited)
	}
	if a.retired.Load() {
		t.Fatalf("retire hook must not run while the decision is still running")
	}
	if h.Status() != StatusTerminated {
		t.Fatalf("status = %s", h.Status())
	}
}

func TestRemapMovesActiveAgents(t *testing.T) {
	testlog.Start(t)
	rt, _, _ := newTestRuntime(testConfig())
	noop := decideFunc(func(context.Context, Tick) (Action, error) { return Action{}, nil })
	first, _ := rt.Register("first", noop)
	second, _ := rt.Register("second", noop)
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0, SpawnID: 7}, schema.ControllableInfo{Index: 1, SpawnID: 8}))
	defer rt.RetireAll()

	rt.Remap(schema.ControllableTeamInfo{Team: 0, Controllables: []schema.ControllableInfo{{Index: 4, SpawnID: 11}}})
	if first.Index() != 4 || first.SpawnID() != 11 || first.Team() != 0 {
		t.Fatalf("first: index=%d spawn=%d team=%d", first.Index(), first.SpawnID(), first.Team())
	}
	if second.Index() != 1 || second.Team() != 1 {
		t.Fatalf("unmapped agent should keep its player: index=%d team=%d", second.Index(), second.Team())
	}
}

func TestActivateMapsControllables(t *testing.T) {
	testlog.Start(t)
	rt, _, _ := newTestRuntime(testConfig())
	noop := decideFunc(func(context.Context, Tick) (Action, error) { return Action{}, nil })
	first, _ := rt.Register("first", noop)
	pinned, _ := rt.Register("pinned", noop, WithSpawnID(9))
	second, _ := rt.Register("second", noop)
	extra, _ := rt.Register("extra", noop)

	err := rt.Activate(context.Background(), team(
		schema.ControllableInfo{Index: 0, SpawnID: 7},
		schema.ControllableInfo{Index: 1, SpawnID: 8},
		schema.ControllableInfo{Index: 2, SpawnID: 9},
	))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	defer rt.RetireAll()

	if pinned.Index() != 2 || pinned.SpawnID() != 9 {
		t.Fatalf("pinned agent got index=%d spawn=%d", pinned.Index(), pinned.SpawnID())
	}
	if first.Index() != 0 || second.Index() != 1 || first.Team() != 1 {
		t.Fatalf("order mapping: first=%d second=%d", first.Index(), second.Index())
	}
	if extra.Status() != StatusFaulted || !errors.Is(extra.Fault(), ErrNoControllable) {
		t.Fatalf("extra agent: status=%s fault=%v", extra.Status(), extra.Fault())
	}
	if _, err := rt.Register("late", noop); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if err := rt.Activate(context.Background(), team()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive on second activate, got %v", err)
	}
}

func TestSkipsTicksWithoutOwnPlayer(t *testing.T) {
	testlog.Start(t)
	rt, store, sink := newTestRuntime(testConfig())
	h, _ := rt.Register("far", decideFunc(func(context.Context, Tick) (Action, error) { return Action{}, nil }))
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 3}))
	defer rt.RetireAll()

	publish(t, store, 1, 2)
	time.Sleep(20 * time.Millisecond)
	if len(sink.forAgent(h.Key())) != 0 {
		t.Fatalf("agent acted without its player in the packet")
	}
	publish(t, store, 2, 4)
	waitFor(t, "action once player present", func() bool { return sink.hasTick(h.Key(), 2) })
}

type chattyAgent struct {
	mu   sync.Mutex
	seen []schema.Message
}

func (a *chattyAgent) Decide(context.Context, Tick) (Action, error) {
	return Action{Comms: []schema.MatchComm{{Display: "hi", Content: []byte{1}}}}, nil
}

func (a *chattyAgent) HandleMessage(msg schema.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, msg)
}

func (a *chattyAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seen)
}

func TestInboxDeliveryAndComms(t *testing.T) {
	testlog.Start(t)
	rt, store, sink := newTestRuntime(testConfig())
	a, b := &chattyAgent{}, &chattyAgent{}
	ha, _ := rt.Register("a", a)
	_, _ = rt.Register("b", b)
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}, schema.ControllableInfo{Index: 1}))
	defer rt.RetireAll()

	delivered, dropped := rt.Broadcast(schema.MatchComm{Index: 0, Display: "from a"})
	if delivered != 2 || dropped != 0 {
		t.Fatalf("broadcast delivered=%d dropped=%d", delivered, dropped)
	}
	if !rt.Deliver(0, schema.RenderAck{GroupID: 5, PlayerIndex: 0, Accepted: true}) {
		t.Fatalf("deliver to index 0 failed")
	}
	if rt.Deliver(7, schema.RenderAck{}) {
		t.Fatalf("deliver to unknown index should fail")
	}
	waitFor(t, "inbox drained", func() bool { return a.count() == 2 && b.count() == 1 })

	publish(t, store, 1, 2)
	waitFor(t, "action", func() bool { return sink.hasTick(ha.Key(), 1) })
	sub := sink.forAgent(ha.Key())[0]
	if len(sub.msgs) != 2 {
		t.Fatalf("expected input + comm, got %d messages", len(sub.msgs))
	}
	comm, ok := sub.msgs[1].(schema.MatchComm)
	if !ok || comm.Index != 0 || comm.Team != 1 {
		t.Fatalf("comm not stamped with sender: %#v", sub.msgs[1])
	}
}

type loadoutAgent struct {
	fail bool
}

func (a *loadoutAgent) Initialize(_ context.Context, s *Setup) error {
	if a.fail {
		return errors.New("no config")
	}
	s.SetLoadout(schema.PlayerLoadout{CarID: 23})
	return nil
}

func (a *loadoutAgent) Decide(context.Context, Tick) (Action, error) { return Action{}, nil }

func TestInitializeSetsLoadoutAndIsolatesFailure(t *testing.T) {
	testlog.Start(t)
	rt, _, sink := newTestRuntime(testConfig())
	ok, _ := rt.Register("ok", &loadoutAgent{})
	broken, _ := rt.Register("broken", &loadoutAgent{fail: true})
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0, SpawnID: 70}, schema.ControllableInfo{Index: 1, SpawnID: 71}))
	defer rt.RetireAll()

	if ok.Status() != StatusActive {
		t.Fatalf("healthy agent should be active, got %s", ok.Status())
	}
	if broken.Status() != StatusFaulted || broken.Fault().Cause != CauseInit {
		t.Fatalf("broken agent: status=%s fault=%v", broken.Status(), broken.Fault())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.extra) != 1 {
		t.Fatalf("expected one loadout message, got %d", len(sink.extra))
	}
	if lo, isLoadout := sink.extra[0].(schema.SetLoadout); !isLoadout || lo.SpawnID != 70 || lo.Loadout.CarID != 23 {
		t.Fatalf("unexpected loadout message: %#v", sink.extra[0])
	}
}

func TestFaultAllTerminatesEveryone(t *testing.T) {
	testlog.Start(t)
	rt, _, _ := newTestRuntime(testConfig())
	noop := decideFunc(func(context.Context, Tick) (Action, error) { return Action{}, nil })
	active, _ := rt.Register("active", noop)
	idle, _ := rt.Register("idle", noop)
	_ = rt.Activate(context.Background(), team(schema.ControllableInfo{Index: 0}))

	rt.FaultAll(errors.New("broken pipe"))
	for _, h := range []*Handle{active, idle} {
		if h.Status() != StatusTerminated {
			t.Fatalf("%s: expected terminated, got %s", h.Key(), h.Status())
		}
	}
	if active.Fault() == nil || active.Fault().Cause != CausePipeline {
		t.Fatalf("active agent fault: %+v", active.Fault())
	}
}
