package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/botlink"
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/runner"
)

const defaultAgentID = "botlink/atba"

func main() {
	path := flag.String("config", "", "client config file (toml or yaml)")
	name := flag.String("name", "atba", "agent name")
	render := flag.Bool("render", false, "draw a label over the car")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := botlink.LoadConfig(*path, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "atba: %v\n", err)
		os.Exit(1)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = defaultAgentID
	}

	svc := runner.NewService(cfg)
	svc.Add(*name, newATBA(*render))
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "atba: %v\n", err)
		os.Exit(1)
	}
}
