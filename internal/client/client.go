// Package client is the session lifecycle controller: it connects to the host,
// runs the handshake, activates agents and tears everything down on host
// termination, local shutdown or a fatal pipeline error.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/botlink/internal/agent"
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/observability"
	"github.com/danmuck/botlink/internal/protocol/codec"
	"github.com/danmuck/botlink/internal/protocol/frame"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/protocol/session"
	"github.com/danmuck/botlink/internal/router"
	"github.com/danmuck/botlink/internal/state"
	"github.com/danmuck/botlink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultAddress is where the host listens unless told otherwise.
const DefaultAddress = "127.0.0.1:23234"

var (
	ErrAlreadyRun       = errors.New("client: session already started")
	ErrNotActive        = errors.New("client: session not active")
	ErrHandshakeTimeout = errors.New("client: handshake timed out")
)

type Phase int32

const (
	PhaseInit Phase = iota
	PhaseHandshake
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseHandshake:
		return "handshake"
	case PhaseActive:
		return "active"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

type Config struct {
	Address              string
	AgentID              string
	WantsBallPredictions bool
	WantsComms           bool
	CloseBetweenMatches  bool
	Session              session.Config
	// Schema defaults to the built-in TLV codec.
	Schema codec.Schema
}

func DefaultConfig() Config {
	return Config{
		Address:              DefaultAddress,
		WantsBallPredictions: true,
		WantsComms:           true,
		CloseBetweenMatches:  true,
		Session:              session.DefaultConfig(),
	}
}

// Client runs exactly one session. Build a new Client for the next one.
type Client struct {
	cfg Config
	id  string
	log zerolog.Logger

	store   *state.Store
	runtime *agent.Runtime
	outbox  *session.Outbox
	router  *router.Router
	gate    *gate

	phase     atomic.Int32
	pumpErr   chan error
	closeReq  chan struct{}
	closeOnce sync.Once
	active    chan struct{}
	closed    chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config) (*Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Schema == nil {
		cfg.Schema = schema.Codec{}
	}
	cfg.Session = cfg.Session.WithDefaults()

	id := uuid.NewString()
	c := &Client{
		cfg:      cfg,
		id:       id,
		log:      logging.For("client").With().Str("session", id).Logger(),
		store:    state.NewStore(),
		outbox:   session.NewOutbox(cfg.Session.OutboxSize),
		gate:     newGate(),
		pumpErr:  make(chan error, 1),
		closeReq: make(chan struct{}),
		active:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
	c.runtime = agent.NewRuntime(cfg.Session, c.store, outboxSink{c})
	c.router = router.New(c.store, c.gate, c.runtime)
	return c, nil
}

func (c *Client) SessionID() string       { return c.id }
func (c *Client) Phase() Phase            { return Phase(c.phase.Load()) }
func (c *Client) State() *state.Store     { return c.store }
func (c *Client) Runtime() *agent.Runtime { return c.runtime }

// Register adds an agent. Must be called before Run reaches the handshake ack.
func (c *Client) Register(name string, a agent.Agent, opts ...agent.Option) (*agent.Handle, error) {
	return c.runtime.Register(name, a, opts...)
}

// Close asks a running session to shut down locally: agents retire, queued
// sends are flushed and the host is told we are leaving.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeReq) })
}

// Active is closed once the session accepts Send.
func (c *Client) Active() <-chan struct{} {
	return c.active
}

// Done is closed when Run has returned.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Send queues msg for the host. Used by match managers and scripts. Starting
// a match also starts a new match in the local state, so WaitForMatchStart
// does not answer with a packet of the previous one.
func (c *Client) Send(msg schema.Message) error {
	if c.Phase() != PhaseActive {
		return ErrNotActive
	}
	switch msg.(type) {
	case schema.StartCommand, schema.MatchConfiguration:
		c.store.BeginMatch()
	}
	return c.enqueue(msg)
}

func (c *Client) enqueue(msgs ...schema.Message) error {
	b, kinds, err := codec.EncodeAll(c.cfg.Schema, c.cfg.Session.Limits, msgs...)
	if err != nil {
		return err
	}
	return c.outbox.Enqueue(kinds, b)
}

// WaitForMatchStart blocks until the host publishes a live packet of the
// current match. After Send starts a match, only packets of that match count.
func (c *Client) WaitForMatchStart(ctx context.Context) (*state.Snapshot, error) {
	want := c.store.Match()
	for {
		notify := c.store.Notify()
		if snap, err := c.store.Current(); err == nil && snap.Match >= want && snap.Packet.MatchInfo.Phase.Live() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrNotActive
		case <-notify:
		}
	}
}

// Status is the health view served by the observability server.
func (c *Client) Status() observability.Status {
	st := observability.Status{Session: c.id, State: c.Phase().String()}
	if snap, err := c.store.Current(); err == nil {
		st.Tick = snap.Tick
	}
	for _, h := range c.runtime.Handles() {
		st.Agents = append(st.Agents, observability.AgentStatus{
			Name:        h.Key(),
			Status:      h.Status().String(),
			PlayerIndex: h.Index(),
			Violations:  h.Violations(),
			Fallbacks:   h.Fallbacks(),
		})
	}
	return st
}

type endKind int

const (
	endReady endKind = iota
	endLocal
	endHost
	endFatal
)

type event struct {
	kind endKind
	err  error
	msg  schema.Message
}

// Run connects and drives the session until the host ends it, ctx is
// cancelled, Close is called, or the pipeline fails. Host and local endings
// return nil; pipeline failures return the error.
func (c *Client) Run(ctx context.Context) error {
	if !c.phase.CompareAndSwap(int32(PhaseInit), int32(PhaseHandshake)) {
		return ErrAlreadyRun
	}
	defer close(c.closed)
	defer c.phase.Store(int32(PhaseClosed))

	agents := len(c.runtime.Handles())
	c.log.Info().
		Str("addr", c.cfg.Address).
		Str("agent_id", c.cfg.AgentID).
		Int("agents", agents).
		Msg("session starting")

	ch, err := transport.Connect(ctx, c.cfg.Address, transport.ConfigFrom(c.cfg.Session))
	if err != nil {
		c.runtime.Shutdown()
		c.outbox.Abort()
		return err
	}
	c.outbox.Start(ch)
	c.wg.Add(1)
	go c.pump(ch, c.pumpErr)

	err = c.enqueue(schema.ConnectionSettings{
		AgentID:              c.cfg.AgentID,
		WantsBallPredictions: c.cfg.WantsBallPredictions,
		WantsComms:           c.cfg.WantsComms,
		CloseBetweenMatches:  c.cfg.CloseBetweenMatches,
	})
	if err != nil {
		return c.finish(ch, event{kind: endFatal, err: err})
	}

	if agents > 0 {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
		ev := c.wait(hctx, c.gate.ready)
		cancel()
		if ev.kind == endLocal && ctx.Err() == nil && hctx.Err() != nil {
			ev = event{kind: endFatal, err: fmt.Errorf("%w after %s", ErrHandshakeTimeout, c.cfg.Session.HandshakeTimeout)}
		}
		if ev.kind != endReady {
			return c.finish(ch, ev)
		}
		if ev := c.activate(ctx); ev != nil {
			return c.finish(ch, *ev)
		}
	}

	c.phase.Store(int32(PhaseActive))
	close(c.active)
	c.log.Info().Msg("session active")
	return c.finish(ch, c.wait(ctx, nil))
}

func (c *Client) activate(ctx context.Context) *event {
	info := c.gate.teamInfo()
	if info == nil {
		info = &schema.ControllableTeamInfo{}
	}
	if err := c.runtime.Activate(ctx, *info); err != nil {
		return &event{kind: endFatal, err: err}
	}
	if newer := c.gate.openRemap(info, c.runtime.Remap); newer != nil {
		c.runtime.Remap(*newer)
	}
	var spawnID int32
	for _, h := range c.runtime.Handles() {
		if h.Status() == agent.StatusActive {
			spawnID = h.SpawnID()
			break
		}
	}
	if err := c.enqueue(schema.InitComplete{SpawnID: spawnID}); err != nil {
		return &event{kind: endFatal, err: err}
	}
	return nil
}

func (c *Client) wait(ctx context.Context, ready <-chan struct{}) event {
	select {
	case <-ready:
		return event{kind: endReady}
	case <-ctx.Done():
		return event{kind: endLocal, err: ctx.Err()}
	case <-c.closeReq:
		return event{kind: endLocal}
	case msg := <-c.gate.terminated:
		return event{kind: endHost, msg: msg}
	case err := <-c.pumpErr:
		if errors.Is(err, transport.ErrEndOfStream) {
			return event{kind: endHost, err: err}
		}
		return event{kind: endFatal, err: err}
	case <-c.outbox.Done():
		err := c.outbox.Err()
		if err == nil {
			err = session.ErrOutboxClosed
		}
		return event{kind: endFatal, err: err}
	}
}

func (c *Client) finish(ch *transport.Channel, ev event) error {
	switch ev.kind {
	case endHost:
		reason := "connection closed"
		if ev.msg != nil {
			reason = ev.msg.Kind().String()
		}
		c.log.Info().Str("reason", reason).Msg("host ended session")
		c.outbox.Abort()
		c.runtime.Shutdown()
		c.teardown(ch, false)
		return nil

	case endLocal:
		c.log.Info().AnErr("cause", ev.err).Msg("shutting down")
		c.runtime.Shutdown()
		fctx, cancel := context.WithTimeout(context.Background(), c.cfg.Session.WriteTimeout)
		told := false
		if err := c.outbox.Flush(fctx); err == nil {
			if err := c.enqueue(schema.Disconnect{}); err != nil {
				c.log.Debug().Err(err).Msg("disconnect not queued")
			} else {
				told = true
			}
		}
		cancel()
		c.outbox.Close()
		<-c.outbox.Done()
		if told && c.outbox.Err() == nil {
			c.awaitHostClose()
		}
		c.teardown(ch, true)
		return nil

	default:
		c.log.Error().Err(ev.err).Msg("session failed")
		c.outbox.Abort()
		c.runtime.FaultAll(ev.err)
		c.runtime.Shutdown()
		c.teardown(ch, false)
		return ev.err
	}
}

// awaitHostClose gives the host WriteTimeout to answer our Disconnect with its
// own or to close the connection.
func (c *Client) awaitHostClose() {
	timer := time.NewTimer(c.cfg.Session.WriteTimeout)
	defer timer.Stop()
	select {
	case <-c.gate.terminated:
		c.log.Debug().Msg("host acknowledged disconnect")
	case err := <-c.pumpErr:
		c.log.Debug().AnErr("cause", err).Msg("host closed after disconnect")
	case <-timer.C:
		c.log.Warn().Dur("waited", c.cfg.Session.WriteTimeout).Msg("host did not answer disconnect")
	}
}

// teardown closes the channel and joins the outbox writer and the pump. With
// drain set the writer finishes its queue before the channel goes away.
func (c *Client) teardown(ch *transport.Channel, drain bool) {
	if drain {
		<-c.outbox.Done()
	}
	_ = ch.Close()
	<-c.outbox.Done()
	c.wg.Wait()
	c.log.Info().Msg("session closed")
}

func (c *Client) pump(ch *transport.Channel, errs chan<- error) {
	defer c.wg.Done()
	reader := codec.NewReader(ch, c.cfg.Schema, c.cfg.Session.Limits)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			var ce *codec.Error
			if errors.As(err, &ce) && ce.Recoverable {
				c.log.Warn().Err(err).Msg("discarded frame")
				observability.RecordFrameDropped(dropReason(ce))
				continue
			}
			errs <- err
			return
		}
		c.router.Dispatch(msg)
	}
}

func dropReason(err *codec.Error) string {
	switch {
	case errors.Is(err, frame.ErrMalformedLength):
		return observability.DropMalformed
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return observability.DropOversize
	default:
		return observability.DropSchema
	}
}

// outboxSink adapts the outbox for the agent runtime.
type outboxSink struct {
	c *Client
}

func (s outboxSink) SubmitAction(agentKey string, tick uint32, msgs []schema.Message) error {
	b, kinds, err := codec.EncodeAll(s.c.cfg.Schema, s.c.cfg.Session.Limits, msgs...)
	if err != nil {
		return err
	}
	return s.c.outbox.EnqueueAction(agentKey, tick, kinds, b)
}

func (s outboxSink) Submit(msgs ...schema.Message) error {
	return s.c.enqueue(msgs...)
}

func (s outboxSink) Forget(agentKey string) {
	s.c.outbox.Remove(agentKey)
}
