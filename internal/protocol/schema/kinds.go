package schema

import "strconv"

// Kind is the u16 message-kind tag carried in every frame body.
type Kind uint16

// Message kinds, numbered as the host numbers its data types.
const (
	KindDisconnect           Kind = 0
	KindGamePacket           Kind = 1
	KindFieldInfo            Kind = 2
	KindStartCommand         Kind = 3
	KindMatchConfiguration   Kind = 4
	KindPlayerInput          Kind = 5
	KindDesiredGameState     Kind = 6
	KindRenderGroup          Kind = 7
	KindRemoveRenderGroup    Kind = 8
	KindMatchComm            Kind = 9
	KindBallPrediction       Kind = 10
	KindConnectionSettings   Kind = 11
	KindStopCommand          Kind = 12
	KindSetLoadout           Kind = 13
	KindInitComplete         Kind = 14
	KindControllableTeamInfo Kind = 15
	KindRenderAck            Kind = 16
)

var kindNames = map[Kind]string{
	KindDisconnect:           "disconnect",
	KindGamePacket:           "game_packet",
	KindFieldInfo:            "field_info",
	KindStartCommand:         "start_command",
	KindMatchConfiguration:   "match_configuration",
	KindPlayerInput:          "player_input",
	KindDesiredGameState:     "desired_game_state",
	KindRenderGroup:          "render_group",
	KindRemoveRenderGroup:    "remove_render_group",
	KindMatchComm:            "match_comm",
	KindBallPrediction:       "ball_prediction",
	KindConnectionSettings:   "connection_settings",
	KindStopCommand:          "stop_command",
	KindSetLoadout:           "set_loadout",
	KindInitComplete:         "init_complete",
	KindControllableTeamInfo: "controllable_team_info",
	KindRenderAck:            "render_ack",
}

// Known reports whether this version of the schema understands k.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}
