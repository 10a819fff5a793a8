package peer

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/session"
	"github.com/danmuck/shellsurface/internal/wl"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("peer: authority address required")
	ErrPeerNameEmpty   = errors.New("peer: peer name required")
)

type ClientConfig struct {
	Network            string
	Address            string
	PeerName           string
	SignalPrefix       string
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Network:      "unix",
		PeerName:     "shellpeer",
		SignalPrefix: mux.DefaultPrefix,
		Session:      session.DefaultConfig(),
	}
}

// Client dials the authority and opens peer sessions.
type Client struct {
	cfg   ClientConfig
	hooks Hooks
	rng   *rand.Rand
}

func NewClient(cfg ClientConfig, hooks Hooks) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.PeerName) == "" {
		return nil, ErrPeerNameEmpty
	}
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "unix"
	}
	if cfg.SignalPrefix == "" {
		cfg.SignalPrefix = mux.DefaultPrefix
	}
	return &Client{
		cfg:   cfg,
		hooks: hooks,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the authority with backoff, performs the hello handshake
// and returns a session that has not started running yet.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Msgf("peer.Client dial attempt=%d addr=%q err=%v", attempt, c.cfg.Address, err)
			if !c.shouldRetry(attempt) {
				return nil, err
			}
			if err := c.cfg.Session.Backoff.Wait(ctx, attempt, c.rng); err != nil {
				return nil, err
			}
			continue
		}

		stream := session.NewStreamConn(conn, c.cfg.Session)
		ack, err := stream.ClientHandshake(session.Hello{
			PeerName:     c.cfg.PeerName,
			Interface:    protocol.Interface,
			Version:      protocol.InterfaceVersion,
			SignalPrefix: c.cfg.SignalPrefix,
		})
		if err == nil {
			log.Info().Msgf("peer.Client connected addr=%q connection=%s version=%d", c.cfg.Address, ack.ConnectionID, ack.Version)
			return NewSession(stream, ack.ConnectionID, Config{
				SignalPrefix:    c.cfg.SignalPrefix,
				QueryRetryAfter: c.cfg.Session.QueryRetryAfter,
			}, c.hooks), nil
		}
		_ = stream.Close()
		if errors.Is(err, session.ErrHelloRejected) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.cfg.Session.Backoff.Wait(ctx, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	return dialer.DialContext(ctx, c.cfg.Network, c.cfg.Address)
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

// Session is one live peer connection: the base display, the shell
// manager and the loop that drives both.
type Session struct {
	ConnectionID string

	loop    *session.Loop
	manager *Manager
	display *wl.Display
}

// NewSession wires a manager and display onto conn. Call Run to start it.
func NewSession(conn session.Conn, connID string, cfg Config, hooks Hooks) *Session {
	s := &Session{ConnectionID: connID}
	s.display = wl.NewDisplay(conn.Send)
	s.manager = NewManager(conn, s.display, cfg, hooks)
	s.loop = session.NewLoop(conn, s.manager.HandleMessage)
	return s
}

// Run drives the session until ctx ends or the connection closes. Every
// proxy is released before it returns.
func (s *Session) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	s.manager.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Do runs fn on the session loop with exclusive access to the manager and
// display.
func (s *Session) Do(ctx context.Context, fn func(m *Manager, d *wl.Display) error) error {
	return s.loop.Do(ctx, func() error {
		return fn(s.manager, s.display)
	})
}

// Post queues fn without waiting. It reports false once the session stopped.
func (s *Session) Post(fn func(m *Manager, d *wl.Display)) bool {
	return s.loop.Post(func() { fn(s.manager, s.display) })
}

func (s *Session) Done() <-chan struct{} {
	return s.loop.Done()
}

func (s *Session) Err() error {
	return s.loop.Err()
}
