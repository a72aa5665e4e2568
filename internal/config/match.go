package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/protocol/schema"
)

var ErrMatchConfig = errors.New("config: invalid match configuration")

// Psyonix bot skill levels, lowest first.
var skills = map[string]uint8{
	"beginner": 0,
	"rookie":   1,
	"pro":      2,
	"allstar":  3,
}

const defaultSkill = "allstar"

type matchFile struct {
	RLBot struct {
		AutoStartBots *bool `toml:"auto_start_bots"`
	} `toml:"rlbot"`
	Match struct {
		GameMapUpk         string `toml:"game_map_upk"`
		GameMode           string `toml:"game_mode"`
		SkipReplays        bool   `toml:"skip_replays"`
		InstantStart       bool   `toml:"instant_start"`
		EnableRendering    bool   `toml:"enable_rendering"`
		EnableStateSetting bool   `toml:"enable_state_setting"`
	} `toml:"match"`
	Cars    []carEntry    `toml:"cars"`
	Scripts []scriptEntry `toml:"scripts"`
}

type carEntry struct {
	ConfigFile  string `toml:"config_file"`
	Name        string `toml:"name"`
	AgentID     string `toml:"agent_id"`
	Team        any    `toml:"team"`
	Type        string `toml:"type"`
	Skill       string `toml:"skill"`
	LoadoutFile string `toml:"loadout_file"`
}

type scriptEntry struct {
	ConfigFile string `toml:"config_file"`
	Name       string `toml:"name"`
	AgentID    string `toml:"agent_id"`
}

// agentFile is the per-bot or per-script TOML referenced by config_file.
type agentFile struct {
	Settings struct {
		Name        string `toml:"name"`
		AgentID     string `toml:"agent_id"`
		LoadoutFile string `toml:"loadout_file"`
	} `toml:"settings"`
}

type loadoutFile struct {
	Blue   loadoutEntry `toml:"blue_loadout"`
	Orange loadoutEntry `toml:"orange_loadout"`
}

type loadoutEntry struct {
	CarID         uint32 `toml:"car_id"`
	TeamColorID   uint32 `toml:"team_color_id"`
	CustomColorID uint32 `toml:"custom_color_id"`
	DecalID       uint32 `toml:"decal_id"`
	WheelsID      uint32 `toml:"wheels_id"`
	BoostID       uint32 `toml:"boost_id"`
}

// LoadMatchConfig reads a match TOML into the message a match manager sends
// to start a match. Relative config_file and loadout_file paths resolve
// against the directory of the file that names them.
func LoadMatchConfig(path string) (schema.MatchConfiguration, error) {
	var raw matchFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return schema.MatchConfiguration{}, fmt.Errorf("load match config: %w", err)
	}
	dir := filepath.Dir(path)

	out := schema.MatchConfiguration{
		GameMap:            strings.TrimSpace(raw.Match.GameMapUpk),
		GameMode:           strings.TrimSpace(raw.Match.GameMode),
		SkipReplays:        raw.Match.SkipReplays,
		InstantStart:       raw.Match.InstantStart,
		EnableRendering:    raw.Match.EnableRendering,
		EnableStateSetting: raw.Match.EnableStateSetting,
		AutoStartBots:      true,
	}
	if raw.RLBot.AutoStartBots != nil {
		out.AutoStartBots = *raw.RLBot.AutoStartBots
	}

	for i, car := range raw.Cars {
		p, err := loadCar(dir, car)
		if err != nil {
			return schema.MatchConfiguration{}, fmt.Errorf("load match config: cars[%d]: %w", i, err)
		}
		out.Players = append(out.Players, p)
	}
	for i, s := range raw.Scripts {
		sc, err := loadScript(dir, s)
		if err != nil {
			return schema.MatchConfiguration{}, fmt.Errorf("load match config: scripts[%d]: %w", i, err)
		}
		out.Scripts = append(out.Scripts, sc)
	}
	return out, nil
}

func loadCar(dir string, car carEntry) (schema.PlayerConfiguration, error) {
	team, err := ParseTeam(car.Team)
	if err != nil {
		return schema.PlayerConfiguration{}, err
	}
	p := schema.PlayerConfiguration{
		Name:    strings.TrimSpace(car.Name),
		AgentID: strings.TrimSpace(car.AgentID),
		Team:    team,
	}

	useConfig := false
	switch kind := strings.ToLower(strings.TrimSpace(car.Type)); kind {
	case "", "rlbot":
		p.Variety, useConfig = schema.VarietyCustomBot, true
	case "psyonix":
		p.Variety, useConfig = schema.VarietyPsyonix, true
		skill := strings.ToLower(strings.TrimSpace(car.Skill))
		if skill == "" {
			skill = defaultSkill
		}
		level, ok := skills[skill]
		if !ok {
			return schema.PlayerConfiguration{}, fmt.Errorf("%w: invalid skill %q", ErrMatchConfig, car.Skill)
		}
		p.PsyonixSkill = level
	case "human":
		p.Variety = schema.VarietyHuman
	case "partymember":
		log := logging.For("config")
		log.Warn().Str("name", p.Name).Msg("party member players are not supported yet")
		p.Variety = schema.VarietyPartyMember
	default:
		return schema.PlayerConfiguration{}, fmt.Errorf("%w: invalid player type %q", ErrMatchConfig, car.Type)
	}

	loadoutPath := resolve(dir, car.LoadoutFile)
	if useConfig && strings.TrimSpace(car.ConfigFile) != "" {
		botPath := resolve(dir, car.ConfigFile)
		var bot agentFile
		if _, err := toml.DecodeFile(botPath, &bot); err != nil {
			return schema.PlayerConfiguration{}, fmt.Errorf("bot config: %w", err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSpace(bot.Settings.Name)
		}
		if p.AgentID == "" {
			p.AgentID = strings.TrimSpace(bot.Settings.AgentID)
		}
		if loadoutPath == "" {
			loadoutPath = resolve(filepath.Dir(botPath), bot.Settings.LoadoutFile)
		}
	}
	if loadoutPath != "" {
		l, err := LoadLoadout(loadoutPath, team)
		if err != nil {
			return schema.PlayerConfiguration{}, err
		}
		p.Loadout = &l
	}
	return p, nil
}

func loadScript(dir string, s scriptEntry) (schema.ScriptConfiguration, error) {
	out := schema.ScriptConfiguration{
		Name:    strings.TrimSpace(s.Name),
		AgentID: strings.TrimSpace(s.AgentID),
	}
	if strings.TrimSpace(s.ConfigFile) == "" {
		return out, nil
	}
	var script agentFile
	if _, err := toml.DecodeFile(resolve(dir, s.ConfigFile), &script); err != nil {
		return schema.ScriptConfiguration{}, fmt.Errorf("script config: %w", err)
	}
	if out.Name == "" {
		out.Name = strings.TrimSpace(script.Settings.Name)
	}
	if out.AgentID == "" {
		out.AgentID = strings.TrimSpace(script.Settings.AgentID)
	}
	return out, nil
}

// LoadLoadout reads the blue or orange loadout table from a loadout TOML.
func LoadLoadout(path string, team uint32) (schema.PlayerLoadout, error) {
	var raw loadoutFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return schema.PlayerLoadout{}, fmt.Errorf("loadout: %w", err)
	}
	e := raw.Blue
	if team == 1 {
		e = raw.Orange
	}
	return schema.PlayerLoadout{
		CarID:         e.CarID,
		TeamColorID:   e.TeamColorID,
		CustomColorID: e.CustomColorID,
		DecalID:       e.DecalID,
		WheelsID:      e.WheelsID,
		BoostID:       e.BoostID,
	}, nil
}

// ParseTeam accepts 0, 1, "blue" or "orange". A missing team is blue.
func ParseTeam(v any) (uint32, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "blue":
			return 0, nil
		case "orange":
			return 1, nil
		}
	case int64:
		if t == 0 || t == 1 {
			return uint32(t), nil
		}
	case int:
		if t == 0 || t == 1 {
			return uint32(t), nil
		}
	}
	return 0, fmt.Errorf(`%w: team %v, expected 0, 1, "blue" or "orange"`, ErrMatchConfig, v)
}

func resolve(dir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
