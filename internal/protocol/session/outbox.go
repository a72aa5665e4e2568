package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/botlink/internal/observability"
)

var (
	ErrOutboxClosed    = errors.New("session: outbox closed")
	ErrDuplicateAction = errors.New("session: agent already queued an action for this tick")
)

// Sender is the single destination the outbox writer drains into.
type Sender interface {
	Send(b []byte) error
}

// PendingAction tracks the newest action queued for one agent.
type PendingAction struct {
	Agent         string
	Tick          uint32
	Attempts      int
	Written       bool
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

type envelope struct {
	agent string
	tick  uint32
	kinds []string
	bytes []byte
	flush chan struct{}
}

// Outbox serializes every outbound frame through one writer goroutine, in
// enqueue order. Agent actions are keyed by agent so one agent can never have
// two actions for the same tick.
type Outbox struct {
	mu     sync.RWMutex
	closed bool
	queue  chan envelope

	pmu     sync.RWMutex
	pending map[string]PendingAction

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultConfig().OutboxSize
	}
	return &Outbox{
		queue:   make(chan envelope, size),
		pending: make(map[string]PendingAction),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the writer. Call once.
func (o *Outbox) Start(sender Sender) {
	go o.run(sender)
}

func (o *Outbox) run(sender Sender) {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case env, ok := <-o.queue:
			if !ok {
				return
			}
			if env.flush != nil {
				close(env.flush)
				continue
			}
			select {
			case <-o.stop:
				return
			default:
			}
			err := sender.Send(env.bytes)
			o.markAttempt(env, time.Now(), err)
			if err != nil {
				o.setErr(err)
				o.halt()
				return
			}
			for _, kind := range env.kinds {
				observability.RecordMessageSent(kind)
			}
		}
	}
}

// Enqueue queues a session-level message that belongs to no agent.
func (o *Outbox) Enqueue(kinds []string, b []byte) error {
	return o.push(envelope{kinds: kinds, bytes: b})
}

// EnqueueAction queues one agent's frames for tick as a single write.
func (o *Outbox) EnqueueAction(agent string, tick uint32, kinds []string, b []byte) error {
	key := strings.TrimSpace(agent)
	if key == "" {
		return o.Enqueue(kinds, b)
	}
	return o.push(envelope{agent: key, tick: tick, kinds: kinds, bytes: b})
}

func (o *Outbox) push(env envelope) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOutboxClosed
	}
	if env.agent != "" {
		if err := o.reserve(env.agent, env.tick); err != nil {
			return err
		}
	}
	select {
	case o.queue <- env:
		return nil
	case <-o.stop:
		return ErrOutboxClosed
	}
}

func (o *Outbox) reserve(agent string, tick uint32) error {
	o.pmu.Lock()
	defer o.pmu.Unlock()
	if prev, ok := o.pending[agent]; ok && tick <= prev.Tick {
		return ErrDuplicateAction
	}
	o.pending[agent] = PendingAction{Agent: agent, Tick: tick, QueuedAt: time.Now()}
	return nil
}

func (o *Outbox) markAttempt(env envelope, at time.Time, err error) {
	if env.agent == "" {
		return
	}
	o.pmu.Lock()
	defer o.pmu.Unlock()
	item, ok := o.pending[env.agent]
	if !ok || item.Tick != env.tick {
		return
	}
	item.Attempts++
	item.LastAttemptAt = at
	if err != nil {
		item.LastError = strings.TrimSpace(err.Error())
	} else {
		item.Written = true
		item.LastError = ""
	}
	o.pending[env.agent] = item
}

// Flush blocks until everything queued before the call has been written.
func (o *Outbox) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if err := o.push(envelope{flush: marker}); err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-o.done:
		if err := o.Err(); err != nil {
			return err
		}
		return ErrOutboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages; the writer drains what is queued and exits.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.queue)
}

// Abort stops the writer without writing anything still queued.
func (o *Outbox) Abort() {
	o.halt()
	o.Close()
}

func (o *Outbox) halt() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// Done is closed once the writer has exited.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Err is the write error that stopped the writer, if any.
func (o *Outbox) Err() error {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}

func (o *Outbox) setErr(err error) {
	o.errMu.Lock()
	defer o.errMu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

func (o *Outbox) Get(agent string) (PendingAction, bool) {
	o.pmu.RLock()
	defer o.pmu.RUnlock()
	item, ok := o.pending[strings.TrimSpace(agent)]
	return item, ok
}

// Remove forgets an agent; called when it retires.
func (o *Outbox) Remove(agent string) {
	o.pmu.Lock()
	defer o.pmu.Unlock()
	delete(o.pending, strings.TrimSpace(agent))
}

func (o *Outbox) List() []PendingAction {
	o.pmu.RLock()
	defer o.pmu.RUnlock()
	out := make([]PendingAction, 0, len(o.pending))
	for _, item := range o.pending {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Agent < out[j].Agent
	})
	return out
}
