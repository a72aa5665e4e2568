package schema

// Message is one decoded, typed wire message.
type Message interface {
	Kind() Kind
}

type Vector3 struct {
	X, Y, Z float32
}

type Rotator struct {
	Pitch, Yaw, Roll float32
}

type Physics struct {
	Location        Vector3
	Rotation        Rotator
	Velocity        Vector3
	AngularVelocity Vector3
}

type Color struct {
	R, G, B, A uint8
}

// Disconnect asks the peer to end the session. The host sends it to terminate us.
type Disconnect struct{}

// ConnectionSettings is the client's opening handshake message.
type ConnectionSettings struct {
	AgentID              string
	WantsBallPredictions bool
	WantsComms           bool
	CloseBetweenMatches  bool
}

// InitComplete tells the host every agent on this connection finished initializing.
type InitComplete struct {
	SpawnID int32
}

type StartCommand struct {
	ConfigPath string
}

type StopCommand struct {
	ShutdownServer bool
}

type PlayerVariety uint8

const (
	VarietyCustomBot PlayerVariety = iota
	VarietyPsyonix
	VarietyHuman
	VarietyPartyMember
)

type PlayerLoadout struct {
	CarID         uint32
	TeamColorID   uint32
	CustomColorID uint32
	DecalID       uint32
	WheelsID      uint32
	BoostID       uint32
}

type PlayerConfiguration struct {
	Variety      PlayerVariety
	Name         string
	AgentID      string
	Team         uint32
	SpawnID      int32
	PsyonixSkill uint8
	Loadout      *PlayerLoadout
}

type ScriptConfiguration struct {
	Name    string
	AgentID string
}

type MatchConfiguration struct {
	GameMap            string
	GameMode           string
	Players            []PlayerConfiguration
	Scripts            []ScriptConfiguration
	EnableRendering    bool
	EnableStateSetting bool
	AutoStartBots      bool
	SkipReplays        bool
	InstantStart       bool
}

type BoostPad struct {
	Location    Vector3
	IsFullBoost bool
}

type GoalInfo struct {
	TeamNum   uint32
	Location  Vector3
	Direction Vector3
	Width     float32
	Height    float32
}

type FieldInfo struct {
	BoostPads []BoostPad
	Goals     []GoalInfo
}

type ControllableInfo struct {
	Index   uint32
	SpawnID int32
}

// ControllableTeamInfo is the host's handshake acknowledgment: which players this connection drives.
type ControllableTeamInfo struct {
	Team          uint32
	Controllables []ControllableInfo
}

type MatchPhase uint8

const (
	PhaseInactive MatchPhase = iota
	PhaseCountdown
	PhaseKickoff
	PhaseActive
	PhaseGoalScored
	PhaseReplay
	PhasePaused
	PhaseEnded
)

// Live reports whether the host is simulating play in this phase.
func (p MatchPhase) Live() bool {
	return p != PhaseInactive && p != PhaseEnded
}

type MatchInfo struct {
	FrameNum          uint32
	SecondsElapsed    float32
	GameTimeRemaining float32
	Phase             MatchPhase
	IsOvertime        bool
	GameSpeed         float32
}

type PlayerInfo struct {
	Name            string
	SpawnID         int32
	Team            uint32
	Physics         Physics
	Boost           float32
	IsDemolished    bool
	HasWheelContact bool
	IsSupersonic    bool
	IsBot           bool
}

type BallInfo struct {
	Physics Physics
}

type TeamInfo struct {
	TeamIndex uint32
	Score     uint32
}

// GamePacket is the per-tick simulation snapshot; MatchInfo.FrameNum is the tick id.
type GamePacket struct {
	MatchInfo MatchInfo
	Players   []PlayerInfo
	Balls     []BallInfo
	Teams     []TeamInfo
}

type PredictionSlice struct {
	GameSeconds float32
	Physics     Physics
}

type BallPrediction struct {
	Slices []PredictionSlice
}

type ControllerState struct {
	Throttle  float32
	Steer     float32
	Pitch     float32
	Yaw       float32
	Roll      float32
	Jump      bool
	Boost     bool
	Handbrake bool
	UseItem   bool
}

// PlayerInput is an agent's per-tick action. The host may echo inputs back.
type PlayerInput struct {
	PlayerIndex uint32
	Controller  ControllerState
}

type MatchComm struct {
	Index    uint32
	Team     uint32
	TeamOnly bool
	Display  string
	Content  []byte
}

type RenderVariety uint8

const (
	RenderLine3D RenderVariety = iota
	RenderString2D
	RenderString3D
	RenderRect2D
	RenderRect3D
)

type RenderMessage struct {
	Variety RenderVariety
	Start   Vector3
	End     Vector3
	Text    string
	Scale   float32
	Color   Color
}

type RenderGroup struct {
	ID      int32
	Renders []RenderMessage
}

type RemoveRenderGroup struct {
	ID int32
}

// RenderAck is the host's acknowledgment of a render group sent on behalf of one player.
type RenderAck struct {
	GroupID     int32
	PlayerIndex uint32
	Accepted    bool
}

type SetLoadout struct {
	SpawnID int32
	Loadout PlayerLoadout
}

type DesiredPhysics struct {
	Location        *Vector3
	Rotation        *Rotator
	Velocity        *Vector3
	AngularVelocity *Vector3
}

type DesiredBallState struct {
	Physics DesiredPhysics
}

type DesiredCarState struct {
	Physics     *DesiredPhysics
	BoostAmount *float32
}

type DesiredMatchInfo struct {
	WorldGravityZ *float32
	GameSpeed     *float32
	Paused        *bool
}

type DesiredGameState struct {
	BallStates      []DesiredBallState
	CarStates       []DesiredCarState
	MatchInfo       *DesiredMatchInfo
	ConsoleCommands []string
}

// Unknown carries a kind this schema version does not understand.
type Unknown struct {
	Type    Kind
	Payload []byte
}

func (Disconnect) Kind() Kind           { return KindDisconnect }
func (ConnectionSettings) Kind() Kind   { return KindConnectionSettings }
func (InitComplete) Kind() Kind         { return KindInitComplete }
func (StartCommand) Kind() Kind         { return KindStartCommand }
func (StopCommand) Kind() Kind          { return KindStopCommand }
func (MatchConfiguration) Kind() Kind   { return KindMatchConfiguration }
func (FieldInfo) Kind() Kind            { return KindFieldInfo }
func (ControllableTeamInfo) Kind() Kind { return KindControllableTeamInfo }
func (GamePacket) Kind() Kind           { return KindGamePacket }
func (BallPrediction) Kind() Kind       { return KindBallPrediction }
func (PlayerInput) Kind() Kind          { return KindPlayerInput }
func (MatchComm) Kind() Kind            { return KindMatchComm }
func (RenderGroup) Kind() Kind          { return KindRenderGroup }
func (RemoveRenderGroup) Kind() Kind    { return KindRemoveRenderGroup }
func (RenderAck) Kind() Kind            { return KindRenderAck }
func (SetLoadout) Kind() Kind           { return KindSetLoadout }
func (DesiredGameState) Kind() Kind     { return KindDesiredGameState }
func (u Unknown) Kind() Kind            { return u.Type }
