package main

import (
	"context"
	"math"

	"github.com/danmuck/botlink/internal/agent"
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/protocol/schema"
	"github.com/rs/zerolog"
)

const labelGroup int32 = 1

var yellow = schema.Color{R: 255, G: 255, A: 255}

// atba drives always towards the ball.
type atba struct {
	render bool
	log    zerolog.Logger
	last   schema.ControllerState
}

func newATBA(render bool) *atba {
	return &atba{render: render, log: logging.For("atba")}
}

func (a *atba) Initialize(_ context.Context, s *agent.Setup) error {
	pads := 0
	if s.Field != nil {
		pads = len(s.Field.BoostPads)
	}
	a.log.Info().Uint32("index", s.Index).Uint32("team", s.Team).Int("boost_pads", pads).Msg("initialized")
	return nil
}

func (a *atba) Decide(_ context.Context, t agent.Tick) (agent.Action, error) {
	switch t.Snapshot.Packet.MatchInfo.Phase {
	case schema.PhaseActive, schema.PhaseKickoff:
	default:
		return agent.Action{Controller: a.last}, nil
	}
	ball, ok := t.Ball()
	if !ok {
		return agent.Action{Controller: a.last}, nil
	}
	car := t.Self()
	a.last = schema.ControllerState{
		Throttle: 1,
		Steer:    steer(car.Physics, ball.Physics.Location),
	}

	action := agent.Action{Controller: a.last}
	if a.render {
		action.Render = []schema.RenderGroup{{
			ID: labelGroup,
			Renders: []schema.RenderMessage{{
				Variety: schema.RenderString3D,
				Start:   car.Physics.Location,
				Text:    "ATBA",
				Scale:   1.5,
				Color:   yellow,
			}},
		}}
	}
	return action, nil
}

// steer turns the car's facing towards target the short way round. The
// field's axes are left handed, hence the negated x.
func steer(car schema.Physics, target schema.Vector3) float32 {
	pitch, yaw := float64(car.Rotation.Pitch), float64(car.Rotation.Yaw)
	faceX, faceY := math.Cos(pitch)*math.Cos(yaw), math.Cos(pitch)*math.Sin(yaw)
	toX := float64(target.X - car.Location.X)
	toY := float64(target.Y - car.Location.Y)

	correction := math.Atan2(toY, -toX) - math.Atan2(faceY, -faceX)
	if math.Abs(correction) > math.Pi {
		if correction < 0 {
			correction += 2 * math.Pi
		} else {
			correction -= 2 * math.Pi
		}
	}
	return float32(math.Max(-1, math.Min(1, -correction)))
}
