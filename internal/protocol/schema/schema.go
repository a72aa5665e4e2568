package schema

import (
	"errors"
	"fmt"

	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/protocol/tlv"
)

// Field IDs from tlv contract. Nested messages reuse ids inside their own scope.
const (
	FieldAgentID              uint16 = 100
	FieldWantsBallPredictions uint16 = 101
	FieldWantsComms           uint16 = 102
	FieldCloseBetweenMatches  uint16 = 103

	FieldConfigPath     uint16 = 110
	FieldShutdownServer uint16 = 120

	FieldGameMap            uint16 = 130
	FieldGameMode           uint16 = 131
	FieldPlayer             uint16 = 132
	FieldScript             uint16 = 133
	FieldEnableRendering    uint16 = 134
	FieldEnableStateSetting uint16 = 135
	FieldAutoStartBots      uint16 = 136
	FieldSkipReplays        uint16 = 137
	FieldInstantStart       uint16 = 138

	FieldPlayerVariety uint16 = 140
	FieldName          uint16 = 141
	FieldTeam          uint16 = 142
	FieldSpawnID       uint16 = 143
	FieldPlayerSkill   uint16 = 145
	FieldLoadout       uint16 = 146

	FieldBoostPad    uint16 = 160
	FieldLocation    uint16 = 161
	FieldIsFullBoost uint16 = 162
	FieldGoal        uint16 = 163
	FieldDirection   uint16 = 166
	FieldWidth       uint16 = 167
	FieldHeight      uint16 = 168

	FieldControllable uint16 = 171
	FieldIndex        uint16 = 172

	FieldMatchInfo         uint16 = 200
	FieldFrameNum          uint16 = 201
	FieldSecondsElapsed    uint16 = 202
	FieldGameTimeRemaining uint16 = 203
	FieldMatchPhase        uint16 = 204
	FieldIsOvertime        uint16 = 205
	FieldGameSpeed         uint16 = 206

	FieldPlayerInfo      uint16 = 210
	FieldPhysics         uint16 = 214
	FieldBoost           uint16 = 215
	FieldIsDemolished    uint16 = 216
	FieldHasWheelContact uint16 = 217
	FieldIsSupersonic    uint16 = 218
	FieldIsBot           uint16 = 219
	FieldBall            uint16 = 220
	FieldTeamInfo        uint16 = 225
	FieldScore           uint16 = 227

	FieldSlice       uint16 = 230
	FieldGameSeconds uint16 = 231

	FieldPlayerIndex uint16 = 240
	FieldController  uint16 = 241

	FieldThrottle  uint16 = 250
	FieldSteer     uint16 = 251
	FieldPitch     uint16 = 252
	FieldYaw       uint16 = 253
	FieldRoll      uint16 = 254
	FieldJump      uint16 = 255
	FieldBoostHeld uint16 = 256
	FieldHandbrake uint16 = 257
	FieldUseItem   uint16 = 258

	FieldTeamOnly uint16 = 262
	FieldDisplay  uint16 = 263
	FieldContent  uint16 = 264

	FieldGroupID       uint16 = 270
	FieldRender        uint16 = 271
	FieldRenderVariety uint16 = 272
	FieldStart         uint16 = 273
	FieldEnd           uint16 = 274
	FieldText          uint16 = 275
	FieldScale         uint16 = 276
	FieldColor         uint16 = 277
	FieldRed           uint16 = 280
	FieldGreen         uint16 = 281
	FieldBlue          uint16 = 282
	FieldAlpha         uint16 = 283
	FieldAccepted      uint16 = 290

	FieldCarID         uint16 = 300
	FieldTeamColorID   uint16 = 301
	FieldCustomColorID uint16 = 302
	FieldDecalID       uint16 = 303
	FieldWheelsID      uint16 = 304
	FieldBoostID       uint16 = 305

	FieldBallState       uint16 = 310
	FieldDesiredPhysics  uint16 = 311
	FieldCarState        uint16 = 312
	FieldBoostAmount     uint16 = 313
	FieldDesiredMatch    uint16 = 314
	FieldWorldGravityZ   uint16 = 315
	FieldPaused          uint16 = 317
	FieldConsoleCommand  uint16 = 318
	FieldRotation        uint16 = 321
	FieldVelocity        uint16 = 322
	FieldAngularVelocity uint16 = 323

	FieldX uint16 = 330
	FieldY uint16 = 331
	FieldZ uint16 = 332
)

var ErrUnknownKind = errors.New("schema: unknown message kind")

type Requirement struct {
	ID   uint16
	Type uint8
}

// Error is a schema-level failure: the payload is malformed or from a mismatched schema version.
type Error struct {
	Kind    Kind
	FieldID uint16
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("schema: kind=%s field=%d: %s", e.Kind, e.FieldID, msg)
}

func (e *Error) Unwrap() error { return e.Err }

var requirements = map[Kind][]Requirement{
	KindStartCommand: {
		{FieldConfigPath, tlv.TypeString},
	},
	KindControllableTeamInfo: {
		{FieldTeam, tlv.TypeU32},
	},
	KindGamePacket: {
		{FieldMatchInfo, tlv.TypeNested},
	},
	KindPlayerInput: {
		{FieldPlayerIndex, tlv.TypeU32},
		{FieldController, tlv.TypeNested},
	},
	KindMatchComm: {
		{FieldIndex, tlv.TypeU32},
		{FieldTeam, tlv.TypeU32},
	},
	KindRenderGroup: {
		{FieldGroupID, tlv.TypeI32},
	},
	KindRemoveRenderGroup: {
		{FieldGroupID, tlv.TypeI32},
	},
	KindRenderAck: {
		{FieldGroupID, tlv.TypeI32},
		{FieldPlayerIndex, tlv.TypeU32},
	},
	KindSetLoadout: {
		{FieldSpawnID, tlv.TypeI32},
		{FieldLoadout, tlv.TypeNested},
	},
}

// Validate enforces required fields and required field types for a message kind.
// Unknown fields are ignored so newer hosts can add fields.
func Validate(kind Kind, fields []tlv.Field) error {
	if !kind.Known() {
		log := logging.For("schema")
		log.Error().Stringer("kind", kind).Msg("validate unknown kind")
		return &Error{Kind: kind, Reason: "unknown message kind", Err: ErrUnknownKind}
	}
	for _, req := range requirements[kind] {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log := logging.For("schema")
			log.Debug().Stringer("kind", kind).Uint16("field_id", req.ID).Msg("validate missing field")
			return &Error{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log := logging.For("schema")
			log.Debug().
				Stringer("kind", kind).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("validate type mismatch")
			return &Error{Kind: kind, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
