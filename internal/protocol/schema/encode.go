package schema

import (
	"fmt"

	"github.com/danmuck/botlink/internal/protocol/tlv"
)

// disconnectPayload is what the host expects in a client-sent Disconnect.
var disconnectPayload = []byte{1}

// Codec is the TLV implementation of the schema encode/decode capability.
type Codec struct{}

// Encode serializes m into a payload for its kind.
func (Codec) Encode(m Message) ([]byte, error) {
	var b tlv.Builder
	switch msg := m.(type) {
	case Disconnect:
		return append([]byte(nil), disconnectPayload...), nil
	case ConnectionSettings:
		b.String(FieldAgentID, msg.AgentID).
			Bool(FieldWantsBallPredictions, msg.WantsBallPredictions).
			Bool(FieldWantsComms, msg.WantsComms).
			Bool(FieldCloseBetweenMatches, msg.CloseBetweenMatches)
	case InitComplete:
		b.I32(FieldSpawnID, msg.SpawnID)
	case StartCommand:
		b.String(FieldConfigPath, msg.ConfigPath)
	case StopCommand:
		b.Bool(FieldShutdownServer, msg.ShutdownServer)
	case MatchConfiguration:
		encodeMatchConfiguration(&b, msg)
	case FieldInfo:
		encodeFieldInfo(&b, msg)
	case ControllableTeamInfo:
		b.U32(FieldTeam, msg.Team)
		for _, c := range msg.Controllables {
			b.Nested(FieldControllable, func(n *tlv.Builder) {
				n.U32(FieldIndex, c.Index).I32(FieldSpawnID, c.SpawnID)
			})
		}
	case GamePacket:
		encodeGamePacket(&b, msg)
	case BallPrediction:
		for _, s := range msg.Slices {
			b.Nested(FieldSlice, func(n *tlv.Builder) {
				n.F32(FieldGameSeconds, s.GameSeconds)
				n.Nested(FieldPhysics, physics(s.Physics))
			})
		}
	case PlayerInput:
		b.U32(FieldPlayerIndex, msg.PlayerIndex)
		b.Nested(FieldController, controller(msg.Controller))
	case MatchComm:
		b.U32(FieldIndex, msg.Index).
			U32(FieldTeam, msg.Team).
			Bool(FieldTeamOnly, msg.TeamOnly).
			String(FieldDisplay, msg.Display).
			Bytes(FieldContent, msg.Content)
	case RenderGroup:
		b.I32(FieldGroupID, msg.ID)
		for _, r := range msg.Renders {
			b.Nested(FieldRender, func(n *tlv.Builder) {
				n.U8(FieldRenderVariety, uint8(r.Variety)).
					Nested(FieldStart, vector(r.Start)).
					Nested(FieldEnd, vector(r.End)).
					String(FieldText, r.Text).
					F32(FieldScale, r.Scale).
					Nested(FieldColor, color(r.Color))
			})
		}
	case RemoveRenderGroup:
		b.I32(FieldGroupID, msg.ID)
	case RenderAck:
		b.I32(FieldGroupID, msg.GroupID).
			U32(FieldPlayerIndex, msg.PlayerIndex).
			Bool(FieldAccepted, msg.Accepted)
	case SetLoadout:
		b.I32(FieldSpawnID, msg.SpawnID)
		b.Nested(FieldLoadout, loadout(msg.Loadout))
	case DesiredGameState:
		encodeDesiredGameState(&b, msg)
	case Unknown:
		return append([]byte(nil), msg.Payload...), nil
	default:
		return nil, &Error{Reason: fmt.Sprintf("unsupported message type %T", m), Err: ErrUnknownKind}
	}
	if err := Validate(m.Kind(), b.Fields()); err != nil {
		return nil, err
	}
	return b.Encode(), nil
}

func encodeMatchConfiguration(b *tlv.Builder, msg MatchConfiguration) {
	b.String(FieldGameMap, msg.GameMap).
		String(FieldGameMode, msg.GameMode).
		Bool(FieldEnableRendering, msg.EnableRendering).
		Bool(FieldEnableStateSetting, msg.EnableStateSetting).
		Bool(FieldAutoStartBots, msg.AutoStartBots).
		Bool(FieldSkipReplays, msg.SkipReplays).
		Bool(FieldInstantStart, msg.InstantStart)
	for _, p := range msg.Players {
		b.Nested(FieldPlayer, func(n *tlv.Builder) {
			n.U8(FieldPlayerVariety, uint8(p.Variety)).
				String(FieldName, p.Name).
				String(FieldAgentID, p.AgentID).
				U32(FieldTeam, p.Team).
				I32(FieldSpawnID, p.SpawnID).
				U8(FieldPlayerSkill, p.PsyonixSkill)
			if p.Loadout != nil {
				n.Nested(FieldLoadout, loadout(*p.Loadout))
			}
		})
	}
	for _, s := range msg.Scripts {
		b.Nested(FieldScript, func(n *tlv.Builder) {
			n.String(FieldName, s.Name).String(FieldAgentID, s.AgentID)
		})
	}
}

func encodeFieldInfo(b *tlv.Builder, msg FieldInfo) {
	for _, pad := range msg.BoostPads {
		b.Nested(FieldBoostPad, func(n *tlv.Builder) {
			n.Nested(FieldLocation, vector(pad.Location)).Bool(FieldIsFullBoost, pad.IsFullBoost)
		})
	}
	for _, g := range msg.Goals {
		b.Nested(FieldGoal, func(n *tlv.Builder) {
			n.U32(FieldTeam, g.TeamNum).
				Nested(FieldLocation, vector(g.Location)).
				Nested(FieldDirection, vector(g.Direction)).
				F32(FieldWidth, g.Width).
				F32(FieldHeight, g.Height)
		})
	}
}

func encodeGamePacket(b *tlv.Builder, msg GamePacket) {
	mi := msg.MatchInfo
	b.Nested(FieldMatchInfo, func(n *tlv.Builder) {
		n.U32(FieldFrameNum, mi.FrameNum).
			F32(FieldSecondsElapsed, mi.SecondsElapsed).
			F32(FieldGameTimeRemaining, mi.GameTimeRemaining).
			U8(FieldMatchPhase, uint8(mi.Phase)).
			Bool(FieldIsOvertime, mi.IsOvertime).
			F32(FieldGameSpeed, mi.GameSpeed)
	})
	for _, p := range msg.Players {
		b.Nested(FieldPlayerInfo, func(n *tlv.Builder) {
			n.String(FieldName, p.Name).
				I32(FieldSpawnID, p.SpawnID).
				U32(FieldTeam, p.Team).
				Nested(FieldPhysics, physics(p.Physics)).
				F32(FieldBoost, p.Boost).
				Bool(FieldIsDemolished, p.IsDemolished).
				Bool(FieldHasWheelContact, p.HasWheelContact).
				Bool(FieldIsSupersonic, p.IsSupersonic).
				Bool(FieldIsBot, p.IsBot)
		})
	}
	for _, ball := range msg.Balls {
		b.Nested(FieldBall, func(n *tlv.Builder) {
			n.Nested(FieldPhysics, physics(ball.Physics))
		})
	}
	for _, team := range msg.Teams {
		b.Nested(FieldTeamInfo, func(n *tlv.Builder) {
			n.U32(FieldTeam, team.TeamIndex).U32(FieldScore, team.Score)
		})
	}
}

func encodeDesiredGameState(b *tlv.Builder, msg DesiredGameState) {
	for _, ball := range msg.BallStates {
		b.Nested(FieldBallState, func(n *tlv.Builder) {
			n.Nested(FieldDesiredPhysics, desiredPhysics(ball.Physics))
		})
	}
	for _, car := range msg.CarStates {
		b.Nested(FieldCarState, func(n *tlv.Builder) {
			if car.Physics != nil {
				n.Nested(FieldDesiredPhysics, desiredPhysics(*car.Physics))
			}
			if car.BoostAmount != nil {
				n.F32(FieldBoostAmount, *car.BoostAmount)
			}
		})
	}
	if mi := msg.MatchInfo; mi != nil {
		b.Nested(FieldDesiredMatch, func(n *tlv.Builder) {
			if mi.WorldGravityZ != nil {
				n.F32(FieldWorldGravityZ, *mi.WorldGravityZ)
			}
			if mi.GameSpeed != nil {
				n.F32(FieldGameSpeed, *mi.GameSpeed)
			}
			if mi.Paused != nil {
				n.Bool(FieldPaused, *mi.Paused)
			}
		})
	}
	for _, cmd := range msg.ConsoleCommands {
		b.String(FieldConsoleCommand, cmd)
	}
}

func vector(v Vector3) func(*tlv.Builder) {
	return func(n *tlv.Builder) {
		n.F32(FieldX, v.X).F32(FieldY, v.Y).F32(FieldZ, v.Z)
	}
}

func rotator(r Rotator) func(*tlv.Builder) {
	return func(n *tlv.Builder) {
		n.F32(FieldPitch, r.Pitch).F32(FieldYaw, r.Yaw).F32(FieldRoll, r.Roll)
	}
}

func physics(p Physics) func(*tlv.Builder) {
	return func(n *tlv.Builder) {
		n.Nested(FieldLocation, vector(p.Location)).
			Nested(FieldRotation, rotator(p.Rotation)).
			Nested(FieldVelocity, vector(p.Velocity)).
			Nested(FieldAngularVelocity, vector(p.AngularVelocity))
	}
}

func desiredPhysics(p DesiredPhysics) func(*tlv.Builder) {
	return func(n *tlv.Builder) {
		if p.Location != nil {
			n.Nested(FieldLocation, vector(*p.Location))
		}
		if p.Rotation != nil {
			n.Nested(FieldRotation, rotator(*p.Rotation))
		}
		if p.Velocity != nil {
			n.Nested(FieldVelocity, vector(*p.Velocity))
		}
		if p.AngularVelocity != nil {
			n.Nested(FieldAngularVelocity, vector(*p.AngularVelocity))
		}
	}
}

func color(c Color) func(*tlv.Builder) {
	return func(n *tlv.Builder) {
		n.U8(FieldRed, c.R).U8(FieldGreen, c.G).U8(FieldBlue, c.B).U8(FieldAlpha, c.A)
	}
}

func controller(c ControllerState) func(*tlv.Builder) {
	return func(n *tlv.Builder) {
		n.F32(FieldThrottle, c.Throttle).
			F32(FieldSteer, c.Steer).
			F32(FieldPitch, c.Pitch).
			F32(FieldYaw, c.Yaw).
			F32(FieldRoll, c.Roll).
			Bool(FieldJump, c.Jump).
			Bool(FieldBoostHeld, c.Boost).
			Bool(FieldHandbrake, c.Handbrake).
			Bool(FieldUseItem, c.UseItem)
	}
}

func loadout(l PlayerLoadout) func(*tlv.Builder) {
	return func(n *tlv.Builder) {
		n.U32(FieldCarID, l.CarID).
			U32(FieldTeamColorID, l.TeamColorID).
			U32(FieldCustomColorID, l.CustomColorID).
			U32(FieldDecalID, l.DecalID).
			U32(FieldWheelsID, l.WheelsID).
			U32(FieldBoostID, l.BoostID)
	}
}
