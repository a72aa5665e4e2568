package botlink

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/botlink/internal/testutil/testlog"
)

func TestLoadConfigAppliesFileThenEnvironment(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "botlink.toml")
	if err := os.WriteFile(path, []byte("agent_id = \"file/id\"\nserver_port = 24001\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"RLBOT_AGENT_ID": "env/id"}
	cfg, err := LoadConfig(path, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentID != "env/id" || cfg.Client().Address != "127.0.0.1:24001" {
		t.Fatalf("cfg: %+v", cfg)
	}

	cfg, err = LoadConfig("", nil)
	if err != nil || cfg.Client().Address != DefaultConfig().Address {
		t.Fatalf("defaults: %+v err=%v", cfg, err)
	}
}

func TestNewClientStartsInInit(t *testing.T) {
	testlog.Start(t)
	c, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Send(StopCommand{}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("send = %v", err)
	}
	if c.Phase().String() != "init" {
		t.Fatalf("phase = %s", c.Phase())
	}
}
