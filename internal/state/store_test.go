package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/danmuck/botlink/internal/testutil/testlog"
)

func packet(tick uint32, players int) schema.GamePacket {
	return schema.GamePacket{
		MatchInfo: schema.MatchInfo{FrameNum: tick, Phase: schema.PhaseActive},
		Players:   make([]schema.PlayerInfo, players),
	}
}

func TestCurrentBeforeFirstSnapshot(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	if _, err := s.Current(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestUpdateRejectsStaleTicks(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	if _, err := s.Update(packet(5, 1)); err != nil {
		t.Fatalf("update: %v", err)
	}
	for _, tick := range []uint32{5, 4} {
		if _, err := s.Update(packet(tick, 1)); !errors.Is(err, ErrStaleSnapshot) {
			t.Fatalf("tick %d: expected ErrStaleSnapshot, got %v", tick, err)
		}
	}
	cur, err := s.Current()
	if err != nil || cur.Frame != 5 || cur.Tick != 1 {
		t.Fatalf("current: %+v err=%v", cur, err)
	}
}

func phased(frame uint32, phase schema.MatchPhase) schema.GamePacket {
	return schema.GamePacket{MatchInfo: schema.MatchInfo{FrameNum: frame, Phase: phase}}
}

func TestFrameRestartBeginsNextMatch(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		prev    schema.MatchPhase
		next    schema.MatchPhase
		restart bool
	}{
		{"after ended", schema.PhaseEnded, schema.PhaseActive, true},
		{"after inactive", schema.PhaseInactive, schema.PhaseActive, true},
		{"into countdown", schema.PhaseActive, schema.PhaseCountdown, true},
		{"into kickoff", schema.PhaseGoalScored, schema.PhaseKickoff, true},
		{"mid play", schema.PhaseActive, schema.PhaseActive, false},
	}
	for _, tc := range cases {
		s := NewStore()
		if _, err := s.Update(phased(500, tc.prev)); err != nil {
			t.Fatalf("%s: update: %v", tc.name, err)
		}
		snap, err := s.Update(phased(1, tc.next))
		if !tc.restart {
			if !errors.Is(err, ErrStaleSnapshot) {
				t.Fatalf("%s: expected ErrStaleSnapshot, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: restart rejected: %v", tc.name, err)
		}
		if snap.Match != 2 || snap.Frame != 1 || snap.Tick != 2 {
			t.Fatalf("%s: snapshot %+v", tc.name, snap)
		}
		if _, err := s.Update(phased(1, tc.next)); !errors.Is(err, ErrStaleSnapshot) {
			t.Fatalf("%s: duplicate frame in the new match: %v", tc.name, err)
		}
	}
}

func TestAnnouncedMatchStartsOnRestart(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.BeginMatch()
	if s.Match() != 1 {
		t.Fatalf("begin before any packet must not skip a match: %d", s.Match())
	}
	if _, err := s.Update(phased(800, schema.PhaseActive)); err != nil {
		t.Fatalf("update: %v", err)
	}
	s.BeginMatch()
	s.BeginMatch()
	if s.Match() != 2 {
		t.Fatalf("match = %d, want 2", s.Match())
	}
	late, err := s.Update(phased(801, schema.PhaseActive))
	if err != nil || late.Match != 1 {
		t.Fatalf("late packet of the old match: %+v err=%v", late, err)
	}
	snap, err := s.Update(phased(3, schema.PhaseActive))
	if err != nil || snap.Match != 2 || snap.Tick != 3 {
		t.Fatalf("first packet of match 2: %+v err=%v", snap, err)
	}
	if s.Match() != 2 {
		t.Fatalf("match = %d after it started", s.Match())
	}
}

func TestAnnouncedMatchStartsWhenPlayResumes(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	if _, err := s.Update(phased(40, schema.PhaseActive)); err != nil {
		t.Fatalf("update: %v", err)
	}
	s.BeginMatch()
	ended, err := s.Update(phased(41, schema.PhaseEnded))
	if err != nil || ended.Match != 1 {
		t.Fatalf("end of the old match: %+v err=%v", ended, err)
	}
	snap, err := s.Update(phased(42, schema.PhaseCountdown))
	if err != nil || snap.Match != 2 {
		t.Fatalf("countdown after the old match ended: %+v err=%v", snap, err)
	}
}

func TestReadersNeverSeeTickGoBackwards(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const last = 2000
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var seen uint32
			for seen < last {
				snap, err := s.Wait(ctx, seen)
				if err != nil {
					t.Errorf("wait: %v", err)
					return
				}
				if snap.Tick <= seen {
					t.Errorf("tick went backwards: %d after %d", snap.Tick, seen)
					return
				}
				if len(snap.Packet.Players) != int(snap.Tick%3) {
					t.Errorf("torn snapshot at tick %d", snap.Tick)
					return
				}
				seen = snap.Tick
			}
		}()
	}
	for tick := uint32(1); tick <= last; tick++ {
		if _, err := s.Update(packet(tick, int(tick%3))); err != nil {
			t.Fatalf("update %d: %v", tick, err)
		}
	}
	wg.Wait()
}

func TestWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestSnapshotCarriesLatestPrediction(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.SetBallPrediction(schema.BallPrediction{Slices: []schema.PredictionSlice{{GameSeconds: 1}}})
	snap, err := s.Update(packet(1, 2))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.BallPrediction == nil || len(snap.BallPrediction.Slices) != 1 {
		t.Fatalf("prediction not attached: %+v", snap.BallPrediction)
	}
	if !snap.HasPlayer(1) || snap.HasPlayer(2) {
		t.Fatalf("unexpected player presence")
	}
}

func TestResetReturnsToNotReady(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.SetMatchConfiguration(schema.MatchConfiguration{GameMap: "Mannfield"})
	s.SetFieldInfo(schema.FieldInfo{})
	_, _ = s.Update(packet(9, 0))
	s.Reset()
	if _, err := s.Current(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after reset, got %v", err)
	}
	if _, ok := s.MatchConfiguration(); ok {
		t.Fatalf("match configuration survived reset")
	}
	if _, err := s.Update(packet(1, 0)); err != nil {
		t.Fatalf("tick 1 after reset: %v", err)
	}
}
