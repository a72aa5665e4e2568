package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/botlink/internal/observability"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/protocol/session"
	"github.com/danmuck/botlink/internal/state"
	"github.com/rs/zerolog"
)

type result struct {
	action   Action
	err      error
	panicked bool
	took     time.Duration
}

// worker is the per-agent tick loop. Only its goroutine touches its fields.
type worker struct {
	r   *Runtime
	h   *Handle
	log zerolog.Logger

	last      uint32
	seen      bool
	straggler <-chan result
}

func (r *Runtime) work(ctx context.Context, h *Handle) {
	defer r.wg.Done()
	defer h.finish()
	w := &worker{r: r, h: h, log: r.log.With().Str("agent", h.Key()).Logger()}
	w.loop(ctx)
	w.drain()
	w.log.Debug().Uint32("last_tick", w.last).Msg("worker stopped")
}

// drain waits for a decision still running when the loop stopped. Its result
// is discarded.
func (w *worker) drain() {
	if w.straggler == nil {
		return
	}
	timer := time.NewTimer(w.r.drainTimeout)
	defer timer.Stop()
	select {
	case <-w.straggler:
		w.straggler = nil
	case <-timer.C:
		w.h.abandoned.Store(true)
		w.log.Error().Dur("waited", w.r.drainTimeout).Msg("decision ignored cancellation; agent abandoned")
	}
}

func (w *worker) loop(ctx context.Context) {
	for {
		notify := w.r.store.Notify()
		if snap, err := w.r.store.Current(); err == nil && (!w.seen || snap.Tick > w.last) {
			if !w.tick(ctx, snap) {
				return
			}
			continue
		}

		// agent code is not re-entered while a late Decide is still running
		var inbox <-chan schema.Message
		if w.straggler == nil {
			inbox = w.h.inbox
		}
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case msg := <-inbox:
			if !w.handleMessage(msg) {
				return
			}
		case <-w.straggler:
			w.straggler = nil
		}
	}
}

// tick runs one decision for snap. It returns false when the worker must stop.
func (w *worker) tick(ctx context.Context, snap *state.Snapshot) bool {
	w.last, w.seen = snap.Tick, true
	h := w.h
	if !snap.HasPlayer(h.Index()) {
		w.log.Debug().Uint32("tick", snap.Tick).Uint32("index", h.Index()).Msg("player not in packet; skipping tick")
		return true
	}

	if w.straggler != nil {
		select {
		case <-w.straggler:
			w.straggler = nil
		default:
			return w.miss(snap.Tick, "previous decision still running")
		}
	}

	match, _ := w.r.store.MatchConfiguration()
	field, _ := w.r.store.FieldInfo()
	t := Tick{Snapshot: snap, Index: h.Index(), Team: h.Team(), Field: field, Match: match}

	ictx, cancel := context.WithTimeout(ctx, h.budget)
	defer cancel()
	res := make(chan result, 1)
	go invoke(ictx, h.agent, t, res)

	select {
	case out := <-res:
		return w.complete(ctx, ictx, snap.Tick, out)
	case <-ictx.Done():
		if ctx.Err() != nil {
			w.straggler = res
			return false
		}
		select {
		case out := <-res:
			return w.complete(ctx, ictx, snap.Tick, out)
		default:
		}
		w.straggler = res
		return w.miss(snap.Tick, "budget exceeded")
	}
}

func invoke(ctx context.Context, a Agent, t Tick, out chan<- result) {
	start := time.Now()
	var res result
	defer func() {
		if rec := recover(); rec != nil {
			res = result{err: panicError(rec), panicked: true}
		}
		res.took = time.Since(start)
		out <- res
	}()
	res.action, res.err = a.Decide(ctx, t)
}

func (w *worker) complete(ctx, ictx context.Context, tick uint32, out result) bool {
	h := w.h
	observability.ObserveDecide(h.Name, out.took)
	if ctx.Err() != nil {
		// retired mid-decision; the result is discarded
		return false
	}
	if out.err != nil {
		if !out.panicked && ictx.Err() != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return w.miss(tick, "decision gave up at budget")
		}
		cause := CauseError
		if out.panicked {
			cause = CausePanic
		}
		w.r.fault(h, tick, cause, out.err)
		return false
	}
	h.consecutive.Store(0)
	h.setLastController(out.action.Controller)
	return w.send(tick, out.action)
}

// miss records one budget violation for tick and sends the fallback.
func (w *worker) miss(tick uint32, reason string) bool {
	h := w.h
	total := h.violations.Add(1)
	n := h.consecutive.Add(1)
	h.fallbacks.Add(1)
	observability.RecordBudgetViolation(h.Name)
	observability.RecordFallback(h.Name, h.fallback.String())
	w.log.Warn().
		Uint32("tick", tick).
		Str("reason", reason).
		Int64("consecutive", n).
		Uint64("total", total).
		Dur("budget", h.budget).
		Msg("budget violation; sending fallback")

	if !w.send(tick, h.fallbackAction()) {
		return false
	}
	if int(n) >= h.maxViolations {
		w.r.fault(h, tick, CauseBudget, fmt.Errorf("%w: %d in a row", ErrBudgetExceeded, n))
		return false
	}
	return true
}

func (w *worker) send(tick uint32, a Action) bool {
	h := w.h
	if h.Status() != StatusActive {
		return false
	}
	err := w.r.sink.SubmitAction(h.Key(), tick, a.messages(h.Index(), h.Team()))
	if errors.Is(err, session.ErrOutboxClosed) {
		return false
	}
	if err != nil {
		w.log.Warn().Err(err).Uint32("tick", tick).Msg("action not queued")
		return true
	}
	h.lastTick.Store(tick)
	h.actions.Add(1)
	return true
}

func (w *worker) handleMessage(msg schema.Message) bool {
	mh, ok := w.h.agent.(MessageHandler)
	if !ok {
		return true
	}
	if err := safeCall(func() error { mh.HandleMessage(msg); return nil }); err != nil {
		w.r.fault(w.h, w.last, CausePanic, err)
		return false
	}
	return true
}
