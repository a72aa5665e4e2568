// Package runner hosts a bot process: one client session plus the optional
// metrics server, stopped by SIGINT/SIGTERM or by the host ending the match.
package runner

import (
	"context"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/botlink/internal/agent"
	"github.com/danmuck/botlink/internal/client"
	"github.com/danmuck/botlink/internal/config"
	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/observability"
	"github.com/rs/zerolog"
)

const metricsShutdownTimeout = 3 * time.Second

type registration struct {
	name  string
	agent agent.Agent
	opts  []agent.Option
}

type Service struct {
	cfg    config.ClientConfig
	agents []registration
	log    zerolog.Logger

	// ready receives the metrics listener address once it is bound.
	ready chan string
}

func NewService(cfg config.ClientConfig) *Service {
	return &Service{
		cfg:   cfg,
		log:   logging.For("runner"),
		ready: make(chan string, 1),
	}
}

// Add registers an agent for the next session.
func (s *Service) Add(name string, a agent.Agent, opts ...agent.Option) {
	s.agents = append(s.agents, registration{name: name, agent: a, opts: opts})
}

// Run blocks until a signal arrives or the session ends.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	c, err := client.New(s.cfg.Client())
	if err != nil {
		return err
	}
	for _, r := range s.agents {
		if _, err := c.Register(r.name, r.agent, r.opts...); err != nil {
			return err
		}
	}

	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		stopMetrics, err := s.serveMetrics(addr, c)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	go s.watchFaults(c)
	s.log.Info().
		Str("session", c.SessionID()).
		Str("addr", s.cfg.Address()).
		Int("agents", len(s.agents)).
		Msg("runner starting")
	return c.Run(ctx)
}

func (s *Service) serveMetrics(addr string, c *client.Client) (func(), error) {
	observability.RegisterMetrics()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := observability.NewServer(addr, c.Status, s.cfg.CorsOrigins)
	go func() {
		if err := srv.Serve(ln); err != nil {
			s.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	select {
	case s.ready <- ln.Addr().String():
	default:
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func (s *Service) watchFaults(c *client.Client) {
	for {
		select {
		case f := <-c.Runtime().Faults():
			s.log.Warn().Str("agent", f.Agent).Str("cause", string(f.Cause)).Msg("agent lost for this session")
		case <-c.Done():
			return
		}
	}
}
