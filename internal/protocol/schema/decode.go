package schema

import (
	"github.com/danmuck/botlink/internal/protocol/tlv"
)

// Decode parses payload as a message of kind. Kinds this version does not know
// decode to Unknown instead of failing.
func (Codec) Decode(kind Kind, payload []byte) (Message, error) {
	switch kind {
	case KindDisconnect:
		return Disconnect{}, nil
	case KindInitComplete:
		if len(payload) == 0 {
			return InitComplete{}, nil
		}
	}
	if !kind.Known() {
		return Unknown{Type: kind, Payload: append([]byte(nil), payload...)}, nil
	}

	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, &Error{Kind: kind, Reason: "malformed payload", Err: err}
	}
	if err := Validate(kind, fields); err != nil {
		return nil, err
	}
	r := &reader{kind: kind, v: tlv.NewView(fields)}

	var msg Message
	switch kind {
	case KindConnectionSettings:
		msg = ConnectionSettings{
			AgentID:              r.str(FieldAgentID),
			WantsBallPredictions: r.boolean(FieldWantsBallPredictions),
			WantsComms:           r.boolean(FieldWantsComms),
			CloseBetweenMatches:  r.boolean(FieldCloseBetweenMatches),
		}
	case KindInitComplete:
		msg = InitComplete{SpawnID: r.i32(FieldSpawnID)}
	case KindStartCommand:
		msg = StartCommand{ConfigPath: r.str(FieldConfigPath)}
	case KindStopCommand:
		msg = StopCommand{ShutdownServer: r.boolean(FieldShutdownServer)}
	case KindMatchConfiguration:
		msg = decodeMatchConfiguration(r)
	case KindFieldInfo:
		msg = decodeFieldInfo(r)
	case KindControllableTeamInfo:
		info := ControllableTeamInfo{Team: r.u32(FieldTeam)}
		r.each(FieldControllable, func(n *reader) {
			info.Controllables = append(info.Controllables, ControllableInfo{
				Index:   n.u32(FieldIndex),
				SpawnID: n.i32(FieldSpawnID),
			})
		})
		msg = info
	case KindGamePacket:
		msg = decodeGamePacket(r)
	case KindBallPrediction:
		var pred BallPrediction
		r.each(FieldSlice, func(n *reader) {
			pred.Slices = append(pred.Slices, PredictionSlice{
				GameSeconds: n.f32(FieldGameSeconds),
				Physics:     n.physics(FieldPhysics),
			})
		})
		msg = pred
	case KindPlayerInput:
		in := PlayerInput{PlayerIndex: r.u32(FieldPlayerIndex)}
		r.nested(FieldController, func(n *reader) {
			in.Controller = ControllerState{
				Throttle:  n.f32(FieldThrottle),
				Steer:     n.f32(FieldSteer),
				Pitch:     n.f32(FieldPitch),
				Yaw:       n.f32(FieldYaw),
				Roll:      n.f32(FieldRoll),
				Jump:      n.boolean(FieldJump),
				Boost:     n.boolean(FieldBoostHeld),
				Handbrake: n.boolean(FieldHandbrake),
				UseItem:   n.boolean(FieldUseItem),
			}
		})
		msg = in
	case KindMatchComm:
		msg = MatchComm{
			Index:    r.u32(FieldIndex),
			Team:     r.u32(FieldTeam),
			TeamOnly: r.boolean(FieldTeamOnly),
			Display:  r.str(FieldDisplay),
			Content:  r.bytes(FieldContent),
		}
	case KindRenderGroup:
		group := RenderGroup{ID: r.i32(FieldGroupID)}
		r.each(FieldRender, func(n *reader) {
			group.Renders = append(group.Renders, RenderMessage{
				Variety: RenderVariety(n.u8(FieldRenderVariety)),
				Start:   n.vector(FieldStart),
				End:     n.vector(FieldEnd),
				Text:    n.str(FieldText),
				Scale:   n.f32(FieldScale),
				Color:   n.color(FieldColor),
			})
		})
		msg = group
	case KindRemoveRenderGroup:
		msg = RemoveRenderGroup{ID: r.i32(FieldGroupID)}
	case KindRenderAck:
		msg = RenderAck{
			GroupID:     r.i32(FieldGroupID),
			PlayerIndex: r.u32(FieldPlayerIndex),
			Accepted:    r.boolean(FieldAccepted),
		}
	case KindSetLoadout:
		set := SetLoadout{SpawnID: r.i32(FieldSpawnID)}
		r.nested(FieldLoadout, func(n *reader) { set.Loadout = n.loadout() })
		msg = set
	case KindDesiredGameState:
		msg = decodeDesiredGameState(r)
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}

func decodeMatchConfiguration(r *reader) MatchConfiguration {
	cfg := MatchConfiguration{
		GameMap:            r.str(FieldGameMap),
		GameMode:           r.str(FieldGameMode),
		EnableRendering:    r.boolean(FieldEnableRendering),
		EnableStateSetting: r.boolean(FieldEnableStateSetting),
		AutoStartBots:      r.boolean(FieldAutoStartBots),
		SkipReplays:        r.boolean(FieldSkipReplays),
		InstantStart:       r.boolean(FieldInstantStart),
	}
	r.each(FieldPlayer, func(n *reader) {
		p := PlayerConfiguration{
			Variety:      PlayerVariety(n.u8(FieldPlayerVariety)),
			Name:         n.str(FieldName),
			AgentID:      n.str(FieldAgentID),
			Team:         n.u32(FieldTeam),
			SpawnID:      n.i32(FieldSpawnID),
			PsyonixSkill: n.u8(FieldPlayerSkill),
		}
		n.nested(FieldLoadout, func(l *reader) {
			lo := l.loadout()
			p.Loadout = &lo
		})
		cfg.Players = append(cfg.Players, p)
	})
	r.each(FieldScript, func(n *reader) {
		cfg.Scripts = append(cfg.Scripts, ScriptConfiguration{
			Name:    n.str(FieldName),
			AgentID: n.str(FieldAgentID),
		})
	})
	return cfg
}

func decodeFieldInfo(r *reader) FieldInfo {
	var info FieldInfo
	r.each(FieldBoostPad, func(n *reader) {
		info.BoostPads = append(info.BoostPads, BoostPad{
			Location:    n.vector(FieldLocation),
			IsFullBoost: n.boolean(FieldIsFullBoost),
		})
	})
	r.each(FieldGoal, func(n *reader) {
		info.Goals = append(info.Goals, GoalInfo{
			TeamNum:   n.u32(FieldTeam),
			Location:  n.vector(FieldLocation),
			Direction: n.vector(FieldDirection),
			Width:     n.f32(FieldWidth),
			Height:    n.f32(FieldHeight),
		})
	})
	return info
}

func decodeGamePacket(r *reader) GamePacket {
	var pkt GamePacket
	r.nested(FieldMatchInfo, func(n *reader) {
		pkt.MatchInfo = MatchInfo{
			FrameNum:          n.u32(FieldFrameNum),
			SecondsElapsed:    n.f32(FieldSecondsElapsed),
			GameTimeRemaining: n.f32(FieldGameTimeRemaining),
			Phase:             MatchPhase(n.u8(FieldMatchPhase)),
			IsOvertime:        n.boolean(FieldIsOvertime),
			GameSpeed:         n.f32(FieldGameSpeed),
		}
	})
	r.each(FieldPlayerInfo, func(n *reader) {
		pkt.Players = append(pkt.Players, PlayerInfo{
			Name:            n.str(FieldName),
			SpawnID:         n.i32(FieldSpawnID),
			Team:            n.u32(FieldTeam),
			Physics:         n.physics(FieldPhysics),
			Boost:           n.f32(FieldBoost),
			IsDemolished:    n.boolean(FieldIsDemolished),
			HasWheelContact: n.boolean(FieldHasWheelContact),
			IsSupersonic:    n.boolean(FieldIsSupersonic),
			IsBot:           n.boolean(FieldIsBot),
		})
	})
	r.each(FieldBall, func(n *reader) {
		pkt.Balls = append(pkt.Balls, BallInfo{Physics: n.physics(FieldPhysics)})
	})
	r.each(FieldTeamInfo, func(n *reader) {
		pkt.Teams = append(pkt.Teams, TeamInfo{
			TeamIndex: n.u32(FieldTeam),
			Score:     n.u32(FieldScore),
		})
	})
	return pkt
}

func decodeDesiredGameState(r *reader) DesiredGameState {
	var state DesiredGameState
	r.each(FieldBallState, func(n *reader) {
		var ball DesiredBallState
		n.nested(FieldDesiredPhysics, func(p *reader) { ball.Physics = p.desiredPhysics() })
		state.BallStates = append(state.BallStates, ball)
	})
	r.each(FieldCarState, func(n *reader) {
		var car DesiredCarState
		n.nested(FieldDesiredPhysics, func(p *reader) {
			phys := p.desiredPhysics()
			car.Physics = &phys
		})
		if n.v.Has(FieldBoostAmount) {
			boost := n.f32(FieldBoostAmount)
			car.BoostAmount = &boost
		}
		state.CarStates = append(state.CarStates, car)
	})
	r.nested(FieldDesiredMatch, func(n *reader) {
		mi := &DesiredMatchInfo{}
		if n.v.Has(FieldWorldGravityZ) {
			g := n.f32(FieldWorldGravityZ)
			mi.WorldGravityZ = &g
		}
		if n.v.Has(FieldGameSpeed) {
			s := n.f32(FieldGameSpeed)
			mi.GameSpeed = &s
		}
		if n.v.Has(FieldPaused) {
			p := n.boolean(FieldPaused)
			mi.Paused = &p
		}
		state.MatchInfo = mi
	})
	if r.err == nil {
		cmds, err := r.v.Strings(FieldConsoleCommand)
		r.fail(FieldConsoleCommand, err)
		state.ConsoleCommands = cmds
	}
	return state
}

// reader wraps a tlv.View and keeps the first error, so decoders read straight through.
type reader struct {
	kind Kind
	v    tlv.View
	err  error
}

func (r *reader) fail(id uint16, err error) {
	if err != nil && r.err == nil {
		r.err = &Error{Kind: r.kind, FieldID: id, Reason: "invalid field", Err: err}
	}
}

func (r *reader) u8(id uint16) uint8 {
	if r.err != nil {
		return 0
	}
	x, err := r.v.U8(id)
	r.fail(id, err)
	return x
}

func (r *reader) u32(id uint16) uint32 {
	if r.err != nil {
		return 0
	}
	x, err := r.v.U32(id)
	r.fail(id, err)
	return x
}

func (r *reader) i32(id uint16) int32 {
	if r.err != nil {
		return 0
	}
	x, err := r.v.I32(id)
	r.fail(id, err)
	return x
}

func (r *reader) f32(id uint16) float32 {
	if r.err != nil {
		return 0
	}
	x, err := r.v.F32(id)
	r.fail(id, err)
	return x
}

func (r *reader) boolean(id uint16) bool {
	if r.err != nil {
		return false
	}
	x, err := r.v.Bool(id)
	r.fail(id, err)
	return x
}

func (r *reader) str(id uint16) string {
	if r.err != nil {
		return ""
	}
	x, err := r.v.String(id)
	r.fail(id, err)
	return x
}

func (r *reader) bytes(id uint16) []byte {
	if r.err != nil {
		return nil
	}
	x, err := r.v.Bytes(id)
	r.fail(id, err)
	return x
}

func (r *reader) nested(id uint16, fn func(*reader)) {
	if r.err != nil {
		return
	}
	sub, ok, err := r.v.Nested(id)
	if err != nil {
		r.fail(id, err)
		return
	}
	if !ok {
		return
	}
	n := &reader{kind: r.kind, v: sub}
	fn(n)
	if n.err != nil && r.err == nil {
		r.err = n.err
	}
}

func (r *reader) each(id uint16, fn func(*reader)) {
	if r.err != nil {
		return
	}
	err := r.v.EachNested(id, func(sub tlv.View) error {
		n := &reader{kind: r.kind, v: sub}
		fn(n)
		return n.err
	})
	if err != nil && r.err == nil {
		if _, ok := err.(*Error); ok {
			r.err = err
			return
		}
		r.fail(id, err)
	}
}

func (r *reader) vector(id uint16) Vector3 {
	var v Vector3
	r.nested(id, func(n *reader) {
		v = Vector3{X: n.f32(FieldX), Y: n.f32(FieldY), Z: n.f32(FieldZ)}
	})
	return v
}

func (r *reader) rotator(id uint16) Rotator {
	var rot Rotator
	r.nested(id, func(n *reader) {
		rot = Rotator{Pitch: n.f32(FieldPitch), Yaw: n.f32(FieldYaw), Roll: n.f32(FieldRoll)}
	})
	return rot
}

func (r *reader) physics(id uint16) Physics {
	var p Physics
	r.nested(id, func(n *reader) {
		p = Physics{
			Location:        n.vector(FieldLocation),
			Rotation:        n.rotator(FieldRotation),
			Velocity:        n.vector(FieldVelocity),
			AngularVelocity: n.vector(FieldAngularVelocity),
		}
	})
	return p
}

func (r *reader) desiredPhysics() DesiredPhysics {
	var p DesiredPhysics
	if r.v.Has(FieldLocation) {
		v := r.vector(FieldLocation)
		p.Location = &v
	}
	if r.v.Has(FieldRotation) {
		rot := r.rotator(FieldRotation)
		p.Rotation = &rot
	}
	if r.v.Has(FieldVelocity) {
		v := r.vector(FieldVelocity)
		p.Velocity = &v
	}
	if r.v.Has(FieldAngularVelocity) {
		v := r.vector(FieldAngularVelocity)
		p.AngularVelocity = &v
	}
	return p
}

func (r *reader) color(id uint16) Color {
	var c Color
	r.nested(id, func(n *reader) {
		c = Color{R: n.u8(FieldRed), G: n.u8(FieldGreen), B: n.u8(FieldBlue), A: n.u8(FieldAlpha)}
	})
	return c
}

func (r *reader) loadout() PlayerLoadout {
	return PlayerLoadout{
		CarID:         r.u32(FieldCarID),
		TeamColorID:   r.u32(FieldTeamColorID),
		CustomColorID: r.u32(FieldCustomColorID),
		DecalID:       r.u32(FieldDecalID),
		WheelsID:      r.u32(FieldWheelsID),
		BoostID:       r.u32(FieldBoostID),
	}
}
