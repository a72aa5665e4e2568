package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/botlink/internal/config"
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/match"
	"github.com/rs/zerolog/log"
)

func main() {
	clientPath := flag.String("config", "", "client config file (toml or yaml)")
	matchPath := flag.String("match", "", "match toml to start")
	parse := flag.Bool("parse", false, "parse the match toml locally instead of letting the host load it")
	wait := flag.Bool("wait", true, "wait for the first live packet")
	stop := flag.Bool("stop", false, "stop the current match and exit")
	shutdown := flag.Bool("shutdown", false, "with -stop, also shut the host down")
	timeout := flag.Duration("timeout", 2*time.Minute, "time allowed for the match to start")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*clientPath, *matchPath, *parse, *wait, *stop, *shutdown, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "matchctl: %v\n", err)
		os.Exit(1)
	}
}

func run(clientPath, matchPath string, parse, wait, stop, shutdown bool, timeout time.Duration) error {
	cfg := config.DefaultClientConfig()
	if clientPath != "" {
		loaded, err := config.LoadClientConfig(clientPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(&cfg, os.Getenv); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	m := match.NewManager(cfg.Client())
	defer func() {
		if err := m.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("disconnect")
		}
	}()

	if stop {
		if err := m.Connect(ctx, m.Config()); err != nil {
			return err
		}
		log.Info().Bool("shutdown", shutdown).Msg("stopping match")
		return m.StopMatch(shutdown)
	}
	if matchPath == "" {
		return fmt.Errorf("-match or -stop is required")
	}

	if parse {
		mc, err := config.LoadMatchConfig(matchPath)
		if err != nil {
			return err
		}
		log.Info().Str("map", mc.GameMap).Int("players", len(mc.Players)).Msg("starting parsed match")
		return m.StartMatchConfig(ctx, mc, wait)
	}
	abs, err := filepath.Abs(matchPath)
	if err != nil {
		return err
	}
	log.Info().Str("path", abs).Msg("starting match")
	return m.StartMatch(ctx, abs, wait)
}
