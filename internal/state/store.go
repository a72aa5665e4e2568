// Package state holds the latest authoritative snapshot published by the host.
// It has a single writer (the router) and any number of readers; every update
// is an atomic pointer swap, so readers never see a torn snapshot.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/botlink/internal/protocol/schema"
)

var (
	ErrNotReady      = errors.New("state: no snapshot received yet")
	ErrStaleSnapshot = errors.New("state: snapshot tick did not advance")
)

// Snapshot is immutable once published. Readers must not modify it.
//
// Tick counts accepted packets for the whole session and never goes
// backwards. Frame is the host's frame number, which restarts with every
// match; Match numbers the matches seen on this connection.
type Snapshot struct {
	Tick           uint32
	Frame          uint32
	Match          uint32
	Packet         schema.GamePacket
	BallPrediction *schema.BallPrediction
	ReceivedAt     time.Time
}

// HasPlayer reports whether index is present in this tick's packet.
func (s *Snapshot) HasPlayer(index uint32) bool {
	return int(index) < len(s.Packet.Players)
}

type Store struct {
	snapshot   atomic.Pointer[Snapshot]
	prediction atomic.Pointer[schema.BallPrediction]
	match      atomic.Pointer[schema.MatchConfiguration]
	field      atomic.Pointer[schema.FieldInfo]

	mu     sync.Mutex
	notify chan struct{}
	// pending is set between a match announcement and its first packet.
	pending bool
}

func NewStore() *Store {
	return &Store{notify: make(chan struct{})}
}

// Update publishes packet as the current snapshot. The latest ball prediction
// is attached to it. Within one match a frame number that does not advance is
// rejected. Frame numbers restart with every match: a drop after the match
// ended, into a countdown or kickoff, or after BeginMatch starts the next one.
func (s *Store) Update(packet schema.GamePacket) (*Snapshot, error) {
	frame := packet.MatchInfo.FrameNum
	phase := packet.MatchInfo.Phase
	s.mu.Lock()
	defer s.mu.Unlock()
	tick, match := uint32(1), uint32(1)
	if cur := s.snapshot.Load(); cur != nil {
		tick, match = cur.Tick+1, cur.Match
		prev := cur.Packet.MatchInfo.Phase
		switch {
		case frame == cur.Frame:
			return nil, fmt.Errorf("%w: got=%d current=%d", ErrStaleSnapshot, frame, cur.Frame)
		case frame < cur.Frame:
			if !s.pending && !restarted(prev, phase) {
				return nil, fmt.Errorf("%w: got=%d current=%d", ErrStaleSnapshot, frame, cur.Frame)
			}
			match++
			s.pending = false
		case s.pending && !prev.Live() && phase.Live():
			match++
			s.pending = false
		}
	}
	snap := &Snapshot{
		Tick:           tick,
		Frame:          frame,
		Match:          match,
		Packet:         packet,
		BallPrediction: s.prediction.Load(),
		ReceivedAt:     time.Now(),
	}
	s.snapshot.Store(snap)
	close(s.notify)
	s.notify = make(chan struct{})
	return snap, nil
}

func restarted(prev, next schema.MatchPhase) bool {
	if !prev.Live() {
		return true
	}
	return next == schema.PhaseInactive || next == schema.PhaseCountdown || next == schema.PhaseKickoff
}

// BeginMatch records that a new match was announced. Packets of the old match
// may still arrive; the new one starts when frame numbers restart or play
// resumes after the old match stopped.
func (s *Store) BeginMatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot.Load() != nil {
		s.pending = true
	}
}

// Match is the number of the match the host is in, or is about to start when
// one was announced and has not begun yet.
func (s *Store) Match() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot.Load()
	if cur == nil {
		return 1
	}
	if s.pending {
		return cur.Match + 1
	}
	return cur.Match
}

// Current never blocks.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, ErrNotReady
	}
	return snap, nil
}

// Notify returns a channel closed by the next Update or Reset. Grab it before
// reading Current so no publication is missed.
func (s *Store) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Wait blocks until a snapshot with a session tick after afterTick is
// published or ctx ends.
func (s *Store) Wait(ctx context.Context, afterTick uint32) (*Snapshot, error) {
	for {
		ch := s.Notify()
		if snap := s.snapshot.Load(); snap != nil && snap.Tick > afterTick {
			return snap, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) SetBallPrediction(p schema.BallPrediction) {
	s.prediction.Store(&p)
}

func (s *Store) BallPrediction() (*schema.BallPrediction, bool) {
	p := s.prediction.Load()
	return p, p != nil
}

func (s *Store) SetMatchConfiguration(cfg schema.MatchConfiguration) {
	s.match.Store(&cfg)
}

func (s *Store) MatchConfiguration() (*schema.MatchConfiguration, bool) {
	cfg := s.match.Load()
	return cfg, cfg != nil
}

func (s *Store) SetFieldInfo(info schema.FieldInfo) {
	s.field.Store(&info)
}

func (s *Store) FieldInfo() (*schema.FieldInfo, bool) {
	info := s.field.Load()
	return info, info != nil
}

// Reset clears everything so a new session starts from NotReady.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Store(nil)
	s.prediction.Store(nil)
	s.match.Store(nil)
	s.field.Store(nil)
	s.pending = false
	close(s.notify)
	s.notify = make(chan struct{})
}
