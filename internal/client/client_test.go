package client

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/botlink/internal/agent"
	"github.com/danmuck/botlink/internal/protocol/codec"
	"github.com/danmuck/botlink/internal/protocol/frame"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/state"
	"github.com/danmuck/botlink/internal/testutil/testlog"
	"github.com/danmuck/botlink/internal/transport"
)

const ioWait = 5 * time.Second

// fakeHost plays the host side of one session over loopback TCP.
type fakeHost struct {
	t      *testing.T
	ln     *net.TCPListener
	conn   net.Conn
	reader *codec.Reader
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return &fakeHost{t: t, ln: ln.(*net.TCPListener)}
}

func (h *fakeHost) addr() string { return h.ln.Addr().String() }

func (h *fakeHost) accept() {
	h.t.Helper()
	_ = h.ln.SetDeadline(time.Now().Add(ioWait))
	conn, err := h.ln.Accept()
	if err != nil {
		h.t.Fatalf("accept: %v", err)
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	h.reader = codec.NewReader(conn, nil, frame.DefaultLimits())
}

func (h *fakeHost) send(msgs ...schema.Message) {
	h.t.Helper()
	b, _, err := codec.EncodeAll(nil, frame.DefaultLimits(), msgs...)
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	if _, err := h.conn.Write(b); err != nil {
		h.t.Fatalf("host write: %v", err)
	}
}

func (h *fakeHost) next() (schema.Message, error) {
	_ = h.conn.SetReadDeadline(time.Now().Add(ioWait))
	return h.reader.ReadMessage()
}

// expect reads until a message of kind arrives.
func (h *fakeHost) expect(kind schema.Kind) schema.Message {
	h.t.Helper()
	for {
		msg, err := h.next()
		if err != nil {
			h.t.Fatalf("waiting for %s: %v", kind, err)
		}
		if msg.Kind() == kind {
			return msg
		}
	}
}

// expectClosed fails if the client writes anything before closing.
func (h *fakeHost) expectClosed() {
	h.t.Helper()
	msg, err := h.next()
	if err == nil {
		h.t.Fatalf("unexpected %s after termination", msg.Kind())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		h.t.Fatalf("client never closed the connection")
	}
}

func (h *fakeHost) handshake(info schema.ControllableTeamInfo) {
	h.t.Helper()
	settings := h.expect(schema.KindConnectionSettings).(schema.ConnectionSettings)
	if !settings.WantsBallPredictions || !settings.WantsComms {
		h.t.Fatalf("settings: %+v", settings)
	}
	h.send(
		info,
		schema.MatchConfiguration{GameMap: "DFHStadium", GameMode: "Soccer"},
		schema.FieldInfo{Goals: []schema.GoalInfo{{TeamNum: 0}, {TeamNum: 1}}},
	)
	h.expect(schema.KindInitComplete)
}

func packet(tick uint32, phase schema.MatchPhase) schema.GamePacket {
	return schema.GamePacket{
		MatchInfo: schema.MatchInfo{FrameNum: tick, Phase: phase},
		Players:   []schema.PlayerInfo{{Name: "atba", SpawnID: 7}},
	}
}

func oneCar() schema.ControllableTeamInfo {
	return schema.ControllableTeamInfo{Controllables: []schema.ControllableInfo{{Index: 0, SpawnID: 7}}}
}

type throttle struct{}

func (throttle) Decide(context.Context, agent.Tick) (agent.Action, error) {
	return agent.Action{Controller: schema.ControllerState{Throttle: 1}}, nil
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.AgentID = "test/atba"
	cfg.Session.ConnectTimeout = 2 * time.Second
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.Session.WriteTimeout = time.Second
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func run(c *Client) <-chan error {
	errs := make(chan error, 1)
	go func() { errs <- c.Run(context.Background()) }()
	return errs
}

func result(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(ioWait):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestSessionPlaysTicksAndDisconnectsOnClose(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	c := newClient(t, host.addr())
	h, err := c.Register("atba", throttle{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	errs := run(c)

	host.accept()
	host.handshake(oneCar())
	for tick := uint32(1); tick <= 3; tick++ {
		host.send(packet(tick, schema.PhaseActive))
		in := host.expect(schema.KindPlayerInput).(schema.PlayerInput)
		if in.PlayerIndex != 0 || in.Controller.Throttle != 1 {
			t.Fatalf("tick %d input: %+v", tick, in)
		}
	}

	st := c.Status()
	if st.State != "active" || st.Tick != 3 || len(st.Agents) != 1 || st.Agents[0].Status != "active" {
		t.Fatalf("status: %+v", st)
	}

	c.Close()
	host.expect(schema.KindDisconnect)
	select {
	case err := <-errs:
		t.Fatalf("run returned before the host answered the disconnect: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	host.send(schema.Disconnect{})
	host.expectClosed()
	if err := result(t, errs); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.Status() != agent.StatusTerminated {
		t.Fatalf("agent status = %s", h.Status())
	}
	if c.Phase() != PhaseClosed {
		t.Fatalf("phase = %s", c.Phase())
	}
}

func TestTruncatedFrameFailsSession(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	c := newClient(t, host.addr())
	h, _ := c.Register("atba", throttle{})
	errs := run(c)

	host.accept()
	host.handshake(oneCar())
	host.send(packet(1, schema.PhaseActive))
	host.expect(schema.KindPlayerInput)

	// header promises 100 bytes, only 40 follow
	raw := make([]byte, frame.LengthPrefixLen+40)
	binary.BigEndian.PutUint32(raw, 100)
	binary.BigEndian.PutUint16(raw[frame.LengthPrefixLen:], uint16(schema.KindGamePacket))
	if _, err := host.conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = host.conn.(*net.TCPConn).CloseWrite()

	err := result(t, errs)
	var te *transport.TransportError
	if !errors.As(err, &te) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("run err = %v, want transport error wrapping unexpected EOF", err)
	}
	f := h.Fault()
	if f == nil || f.Cause != agent.CausePipeline {
		t.Fatalf("fault = %+v", f)
	}
	if h.Status() != agent.StatusTerminated {
		t.Fatalf("agent status = %s", h.Status())
	}
}

func TestHostDisconnectEndsSessionWithoutFurtherSends(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	c := newClient(t, host.addr())
	h, _ := c.Register("atba", throttle{})
	errs := run(c)

	host.accept()
	host.handshake(oneCar())
	host.send(packet(1, schema.PhaseActive))
	host.expect(schema.KindPlayerInput)

	host.send(schema.Disconnect{})
	host.expectClosed()
	if err := result(t, errs); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.Fault() != nil {
		t.Fatalf("unexpected fault: %v", h.Fault())
	}
	if h.Status() != agent.StatusTerminated {
		t.Fatalf("agent status = %s", h.Status())
	}
}

func TestSessionSurvivesMatchStopAndRemap(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	c := newClient(t, host.addr())
	h, _ := c.Register("atba", throttle{})
	errs := run(c)

	host.accept()
	host.handshake(oneCar())
	host.send(packet(40, schema.PhaseActive))
	host.expect(schema.KindPlayerInput)

	// the match ends; the next one restarts frame numbers and moves our car
	host.send(
		schema.StopCommand{},
		schema.ControllableTeamInfo{Team: 1, Controllables: []schema.ControllableInfo{{Index: 1, SpawnID: 9}}},
		schema.GamePacket{
			MatchInfo: schema.MatchInfo{FrameNum: 1, Phase: schema.PhaseKickoff},
			Players:   []schema.PlayerInfo{{Name: "other", SpawnID: 3}, {Name: "atba", SpawnID: 9}},
		},
	)
	in := host.expect(schema.KindPlayerInput).(schema.PlayerInput)
	if in.PlayerIndex != 1 {
		t.Fatalf("input after remap: %+v", in)
	}
	if h.Index() != 1 || h.SpawnID() != 9 || h.Team() != 1 {
		t.Fatalf("handle after remap: index=%d spawn=%d team=%d", h.Index(), h.SpawnID(), h.Team())
	}
	snap, err := c.State().Current()
	if err != nil || snap.Frame != 1 || snap.Match != 2 {
		t.Fatalf("snapshot after restart: %+v err=%v", snap, err)
	}
	if c.Phase() != PhaseActive {
		t.Fatalf("phase = %s", c.Phase())
	}

	host.send(schema.Disconnect{})
	host.expectClosed()
	if err := result(t, errs); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	c := newClient(t, host.addr())
	c.cfg.Session.HandshakeTimeout = 150 * time.Millisecond
	h, _ := c.Register("atba", throttle{})
	errs := run(c)

	host.accept()
	host.expect(schema.KindConnectionSettings)
	if err := result(t, errs); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("run err = %v, want handshake timeout", err)
	}
	if h.Status() != agent.StatusTerminated {
		t.Fatalf("agent status = %s", h.Status())
	}
}

func TestManagerSessionSendsCommandsAndWaitsForMatch(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	c := newClient(t, host.addr())
	if err := c.Send(schema.StartCommand{ConfigPath: "early.toml"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("send before run = %v", err)
	}
	errs := run(c)

	host.accept()
	settings := host.expect(schema.KindConnectionSettings).(schema.ConnectionSettings)
	if settings.AgentID != "test/atba" {
		t.Fatalf("agent id = %q", settings.AgentID)
	}

	select {
	case <-c.Active():
	case <-time.After(ioWait):
		t.Fatalf("phase = %s", c.Phase())
	}
	if err := c.Send(schema.StartCommand{ConfigPath: "match.toml"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	start := host.expect(schema.KindStartCommand).(schema.StartCommand)
	if start.ConfigPath != "match.toml" {
		t.Fatalf("start = %+v", start)
	}

	type waited struct {
		tick uint32
		err  error
	}
	started := make(chan waited, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioWait)
		defer cancel()
		snap, err := c.WaitForMatchStart(ctx)
		if err != nil {
			started <- waited{err: err}
			return
		}
		started <- waited{tick: snap.Tick}
	}()
	host.send(packet(1, schema.PhaseInactive), packet(2, schema.PhaseKickoff))
	if got := <-started; got.err != nil || got.tick != 2 {
		t.Fatalf("wait for match: %+v", got)
	}

	// second match on the same connection
	host.send(packet(499, schema.PhaseActive))
	deadline := time.Now().Add(ioWait)
	for {
		if snap, err := c.State().Current(); err == nil && snap.Frame == 499 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame 499 never published")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Send(schema.StartCommand{ConfigPath: "second.toml"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	host.expect(schema.KindStartCommand)
	next := make(chan *state.Snapshot, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioWait)
		defer cancel()
		snap, err := c.WaitForMatchStart(ctx)
		if err != nil {
			t.Errorf("wait for second match: %v", err)
		}
		next <- snap
	}()
	select {
	case snap := <-next:
		t.Fatalf("returned a packet of the previous match: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
	host.send(packet(500, schema.PhaseEnded), packet(1, schema.PhaseKickoff))
	select {
	case snap := <-next:
		if snap == nil || snap.Frame != 1 || snap.Match != 2 {
			t.Fatalf("second match start: %+v", snap)
		}
	case <-time.After(ioWait):
		t.Fatal("second match never seen")
	}

	host.send(schema.Disconnect{})
	if err := result(t, errs); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second run = %v", err)
	}
	if err := c.Send(schema.StopCommand{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("send after close = %v", err)
	}
}

func TestRunCancelledContextShutsDownLocally(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(t)
	c := newClient(t, host.addr())
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- c.Run(ctx) }()

	host.accept()
	host.expect(schema.KindConnectionSettings)
	cancel()
	host.expect(schema.KindDisconnect)
	closedAt := time.Now()
	_ = host.conn.Close()
	if err := result(t, errs); err != nil {
		t.Fatalf("run: %v", err)
	}
	if waited := time.Since(closedAt); waited > 500*time.Millisecond {
		t.Fatalf("shutdown waited %v after the host hung up", waited)
	}
}
