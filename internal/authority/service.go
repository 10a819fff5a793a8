package authority

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/protocol/session"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/danmuck/shellsurface/internal/wl"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownConnection = errors.New("authority: unknown connection")
	ErrUnknownSurface    = errors.New("authority: unknown surface")
)

// Hello rejection codes.
const (
	helloCodeInterface    uint32 = 1001
	helloCodeVersion      uint32 = 1002
	helloCodeSignalPrefix uint32 = 1003
)

// Authority endpoint configuration.
type ServiceConfig struct {
	Network          string
	ListenAddr       string
	AdminListenAddr  string
	AdminToken       string
	CORSOrigins      []string
	SignalPrefix     string
	InterfaceVersion uint32
	DefaultGeometry  *protocol.Rect
	Session          session.Config
}

// Authority defaults: unix socket session endpoint, no admin HTTP.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Network:          "unix",
		ListenAddr:       defaultSocketPath(),
		AdminListenAddr:  "",
		CORSOrigins:      nil,
		SignalPrefix:     mux.DefaultPrefix,
		InterfaceVersion: protocol.InterfaceVersion,
		Session:          session.DefaultConfig(),
	}
}

func defaultSocketPath() string {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		dir = os.TempDir()
	}
	return dir + "/shellsurface-0"
}

// Authority observed state for one connected peer.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	PeerName    string    `json:"peer_name"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Authority per-connection state: the base surface table, the registry and
// the loop that serializes both.
type connection struct {
	info     ConnectionInfo
	loop     *session.Loop
	table    *wl.Table
	registry *Registry
}

// Authority runtime service: accepts peers and runs one registry per connection.
type Service struct {
	cfg     ServiceConfig
	hooks   Hooks
	started time.Time

	connsMu sync.Mutex
	conns   map[string]*connection
	nets    map[net.Conn]struct{}

	clientCount atomic.Int64
	listening   atomic.Bool
}

func NewService(cfg ServiceConfig, hooks Hooks) *Service {
	defaults := DefaultServiceConfig()
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = defaults.Network
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.SignalPrefix == "" {
		cfg.SignalPrefix = defaults.SignalPrefix
	}
	if cfg.InterfaceVersion == 0 {
		cfg.InterfaceVersion = defaults.InterfaceVersion
	}
	return &Service{
		cfg:     cfg,
		hooks:   hooks,
		started: time.Now(),
		conns:   make(map[string]*connection),
		nets:    make(map[net.Conn]struct{}),
	}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Authority runtime entrypoint that blocks until signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().Msgf("authority.Service.Run listening network=%s addr=%q", s.cfg.Network, ln.Addr().String())

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

func (s *Service) listen() (net.Listener, error) {
	if s.cfg.Network == "unix" {
		// A stale socket from a previous run blocks bind.
		if err := os.Remove(s.cfg.ListenAddr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("authority: remove stale socket: %w", err)
		}
	}
	return net.Listen(s.cfg.Network, s.cfg.ListenAddr)
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Msgf("authority.Service.serveAdmin listening addr=%q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Authority accept loop for peer sessions on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.listening.Store(true)
	defer s.listening.Store(false)
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// Authority connection handler: hello handshake, then the session loop.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Info().Msgf("authority.session client connected remote=%q active_clients=%d", remote, active)
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Info().Msgf("authority.session client disconnected remote=%q active_clients=%d", remote, remaining)
	}()

	stream := session.NewStreamConn(conn, s.cfg.Session)
	hello, ack, err := stream.ServerHandshake(s.acceptHello)
	if err != nil {
		log.Warn().Msgf("authority.handleConn handshake remote=%q err=%v", remote, err)
		return
	}
	if err := s.ServeConn(ctx, stream, ack.ConnectionID, hello.PeerName, remote); err != nil {
		log.Warn().Msgf("authority.handleConn connection=%s closed err=%v", ack.ConnectionID, err)
	}
}

// acceptHello admits peers speaking our interface with the same signal prefix.
func (s *Service) acceptHello(h session.Hello) session.HelloAck {
	now := uint64(time.Now().UnixMilli())
	reject := func(code uint32, msg string) session.HelloAck {
		log.Warn().Msgf("authority.acceptHello reject peer=%q code=%d message=%q", h.PeerName, code, msg)
		return session.HelloAck{
			Status:      session.AckStatusRejected,
			Code:        code,
			Message:     msg,
			TimestampMS: now,
		}
	}
	switch {
	case h.Interface != protocol.Interface:
		return reject(helloCodeInterface, "unsupported interface "+h.Interface)
	case h.Version == 0 || h.Version > s.cfg.InterfaceVersion:
		return reject(helloCodeVersion, fmt.Sprintf("unsupported version %d", h.Version))
	case h.SignalPrefix != s.cfg.SignalPrefix:
		return reject(helloCodeSignalPrefix, "signal prefix mismatch")
	}
	return session.HelloAck{
		Status:       session.AckStatusAccepted,
		Message:      "ok",
		ConnectionID: session.NewConnectionID(),
		Version:      h.Version,
		TimestampMS:  now,
	}
}

// ServeConn runs one peer session on an established connection until it
// ends. The manager global is advertised first. Every surface of the
// connection is released when it returns.
func (s *Service) ServeConn(ctx context.Context, conn session.Conn, connID, peerName, remote string) error {
	c := &connection{
		info: ConnectionInfo{
			ID:          connID,
			PeerName:    peerName,
			RemoteAddr:  remote,
			ConnectedAt: time.Now(),
		},
		table: wl.NewTable(),
	}
	lookup := func(id uint32) (BaseSurface, bool) {
		base, ok := c.table.Lookup(id)
		if !ok {
			return nil, false
		}
		return base, true
	}
	c.registry = NewRegistry(conn, lookup, Config{
		SignalPrefix:    s.cfg.SignalPrefix,
		DefaultGeometry: s.cfg.DefaultGeometry,
	}, s.connectionHooks(c))
	c.loop = session.NewLoop(conn, c.handle)

	s.connsMu.Lock()
	s.conns[connID] = c
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, connID)
		s.connsMu.Unlock()
	}()

	if err := c.registry.emit(protocol.Global{Interface: protocol.Interface, Version: s.cfg.InterfaceVersion}.Message()); err != nil {
		_ = conn.Close()
		return err
	}

	err := c.loop.Run(ctx)
	// The loop has stopped; nothing else touches the table or registry now.
	c.table.DestroyAll()
	c.registry.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle routes base transport requests to the table and the rest to the registry.
func (c *connection) handle(msg protocol.Message) error {
	switch msg.Opcode {
	case schema.MsgBaseCreateSurface:
		req, err := protocol.DecodeBaseCreateSurface(msg)
		if err != nil {
			return c.registry.malformedRequest(msg, err)
		}
		if _, err := c.table.Create(req.BaseSurface); err != nil {
			return c.registry.Fail(protocol.Violation(protocol.ManagerObject, protocol.ErrorInvalidObject, "%v", err))
		}
		return nil
	case schema.MsgBaseDestroySurface:
		req, err := protocol.DecodeBaseDestroySurface(msg)
		if err != nil {
			return c.registry.malformedRequest(msg, err)
		}
		if err := c.table.Destroy(req.BaseSurface); err != nil {
			log.Debug().Msgf("authority.connection.handle base destroy ignored err=%v", err)
		}
		return nil
	default:
		return c.registry.HandleMessage(msg)
	}
}

// connectionHooks logs lifecycle transitions and forwards to the service hooks.
func (s *Service) connectionHooks(c *connection) Hooks {
	user := s.hooks
	connID := c.info.ID
	return Hooks{
		SurfaceRequested: func(base, id uint32) {
			log.Debug().Msgf("authority.surface requested connection=%s id=%d base=%d", connID, id, base)
			if user.SurfaceRequested != nil {
				user.SurfaceRequested(base, id)
			}
		},
		SurfaceCreated: func(sf *Surface) {
			log.Info().Msgf("authority.surface created connection=%s id=%d base=%d", connID, sf.ID(), sf.BaseSurface())
			if user.SurfaceCreated != nil {
				user.SurfaceCreated(sf)
			}
		},
		SurfaceDestroyed: func(sf *Surface) {
			log.Info().Msgf("authority.surface destroyed connection=%s id=%d", connID, sf.ID())
			if user.SurfaceDestroyed != nil {
				user.SurfaceDestroyed(sf)
			}
		},
		PropertyChanged: func(sf *Surface, name string, v value.Value) {
			log.Debug().Msgf("authority.surface property connection=%s id=%d name=%q value=%s", connID, sf.ID(), name, v)
			if user.PropertyChanged != nil {
				user.PropertyChanged(sf, name, v)
			}
		},
		Notify: func(sf *Surface, name string, v value.Value) {
			log.Info().Msgf("authority.surface signal connection=%s id=%d name=%q value=%s", connID, sf.ID(), name, v)
			if user.Notify != nil {
				user.Notify(sf, name, v)
			}
		},
		ActivationRequested: func(sf *Surface) {
			log.Info().Msgf("authority.surface activate connection=%s id=%d", connID, sf.ID())
			if user.ActivationRequested != nil {
				user.ActivationRequested(sf)
			}
		},
	}
}

// Connections lists connected peers ordered by connection time.
func (s *Service) Connections() []ConnectionInfo {
	s.connsMu.Lock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info)
	}
	s.connsMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (s *Service) connection(connID string) (*connection, error) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return c, nil
}

// Surfaces snapshots the bound surfaces of one connection on its loop.
func (s *Service) Surfaces(ctx context.Context, connID string) ([]SurfaceSnapshot, error) {
	c, err := s.connection(connID)
	if err != nil {
		return nil, err
	}
	var out []SurfaceSnapshot
	err = c.loop.Do(ctx, func() error {
		out = c.registry.Snapshot()
		return nil
	})
	return out, err
}

// AllSurfaces snapshots every connection, keyed by connection id.
func (s *Service) AllSurfaces(ctx context.Context) (map[string][]SurfaceSnapshot, error) {
	out := make(map[string][]SurfaceSnapshot)
	for _, info := range s.Connections() {
		snaps, err := s.Surfaces(ctx, info.ID)
		if errors.Is(err, ErrUnknownConnection) || errors.Is(err, session.ErrLoopStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[info.ID] = snaps
	}
	return out, nil
}

// WithSurface runs fn against one bound surface on its connection loop.
func (s *Service) WithSurface(ctx context.Context, connID string, id uint32, fn func(*Surface) error) error {
	c, err := s.connection(connID)
	if err != nil {
		return err
	}
	return c.loop.Do(ctx, func() error {
		sf, ok := c.registry.Surface(id)
		if !ok {
			return fmt.Errorf("%w: connection=%s id=%d", ErrUnknownSurface, connID, id)
		}
		return fn(sf)
	})
}

func (s *Service) SetGeometry(ctx context.Context, connID string, id uint32, rect protocol.Rect) error {
	return s.WithSurface(ctx, connID, id, func(sf *Surface) error {
		return sf.SetGeometry(rect)
	})
}

func (s *Service) SetProperty(ctx context.Context, connID string, id uint32, name string, v value.Value) error {
	return s.WithSurface(ctx, connID, id, func(sf *Surface) error {
		return sf.SetProperty(name, v)
	})
}

func (s *Service) SendSignal(ctx context.Context, connID string, id uint32, name string, v value.Value) error {
	return s.WithSurface(ctx, connID, id, func(sf *Surface) error {
		return sf.SendSignal(name, v)
	})
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.nets[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.nets, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.nets {
		_ = conn.Close()
		delete(s.nets, conn)
	}
}
