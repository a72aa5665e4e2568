package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client", "bot":
		return clientTemplate, nil
	case "match":
		return matchTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `agent_id = "botlink/atba"
server_ip = "127.0.0.1"
server_port = 23234
wants_ball_predictions = true
wants_comms = true
close_between_matches = true
connect_timeout = "120s"
handshake_timeout = "30s"
write_timeout = "5s"
tick_budget = "8ms"
fallback = "repeat_last"
max_consecutive_violations = 5
metrics_addr = ""
cors_origins = ["http://localhost:3000"]
`

const matchTemplate = `[rlbot]
auto_start_bots = true

[match]
game_map_upk = "Stadium_P"
game_mode = "Soccer"
skip_replays = false
instant_start = false
enable_rendering = true
enable_state_setting = true

[[cars]]
name = "atba"
agent_id = "botlink/atba"
team = "blue"
type = "rlbot"

[[cars]]
team = "orange"
type = "psyonix"
skill = "pro"
`
