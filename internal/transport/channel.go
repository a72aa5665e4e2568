package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/botlink/internal/logging"
	"github.com/danmuck/botlink/internal/protocol/session"
)

const readBufferSize = 64 * 1024

// Config controls dialing and writes.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Backoff        session.BackoffConfig
}

// ConfigFrom takes the transport fields of a session config.
func ConfigFrom(cfg session.Config) Config {
	return Config{
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Backoff:        cfg.Backoff,
	}
}

// Channel is the reliable, ordered byte stream to the host.
// Reads are expected from a single goroutine; Send is safe for concurrent use.
type Channel struct {
	address      string
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	writeMu   sync.Mutex
	dead      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Connect dials address. Refused dials are retried with backoff until the
// connect timeout expires; the host is often still starting when bots launch.
func Connect(ctx context.Context, address string, cfg Config) (*Channel, error) {
	log := logging.For("transport")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = session.DefaultConfig().ConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			log.Info().Str("addr", address).Int("attempt", attempt).Msg("connected")
			return New(address, conn, cfg), nil
		}
		if ctx.Err() != nil {
			return nil, &ConnectionError{Address: address, Attempts: attempt, Err: connectWindowErr(ctx, err)}
		}
		if !retryableDial(err) {
			return nil, &ConnectionError{Address: address, Attempts: attempt, Err: err}
		}
		log.Debug().Str("addr", address).Int("attempt", attempt).Err(err).Msg("dial retry")
		if err := cfg.Backoff.Wait(ctx, attempt, rng); err != nil {
			return nil, &ConnectionError{Address: address, Attempts: attempt, Err: connectWindowErr(ctx, err)}
		}
	}
}

func connectWindowErr(ctx context.Context, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", errConnectWindow, last)
	}
	return last
}

// New wraps an established connection.
func New(address string, conn net.Conn, cfg Config) *Channel {
	return &Channel{
		address:      address,
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, readBufferSize),
		writeTimeout: cfg.WriteTimeout,
	}
}

func (c *Channel) Address() string {
	return c.address
}

// Send writes b completely or fails; writes never interleave.
func (c *Channel) Send(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.dead.Load() {
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			c.fail()
			return &TransportError{Op: "send", Err: err}
		}
		b = b[n:]
	}
	return nil
}

// Receive blocks until exactly n bytes arrive.
func (c *Channel) Receive(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEndOfStream
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			c.fail()
			return nil, &TransportError{Op: "receive", Err: err}
		}
		return nil, err
	}
	return buf, nil
}

// Read implements io.Reader for the frame codec. Orderly close reads as io.EOF.
func (c *Channel) Read(p []byte) (int, error) {
	if c.dead.Load() {
		return 0, &TransportError{Op: "read", Err: ErrClosed}
	}
	n, err := c.reader.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	c.fail()
	if errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	}
	return n, &TransportError{Op: "read", Err: err}
}

// Close is idempotent and safe after a fault.
func (c *Channel) Close() error {
	c.dead.Store(true)
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func (c *Channel) Closed() bool {
	return c.dead.Load()
}

func (c *Channel) fail() {
	if c.dead.Swap(true) {
		return
	}
	_ = c.Close()
}
