package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/shellsurface/internal/availability"
	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/observability"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/protocol/session"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/rs/zerolog/log"
)

var (
	ErrSurfaceDestroyed = errors.New("peer: surface destroyed")
	ErrConnectionDead   = errors.New("peer: connection stopped after protocol error")
	ErrNoBaseSurface    = errors.New("peer: window has no base surface")
	ErrRoleConsumed     = errors.New("peer: base surface already carried a shell surface")
)

// Sender delivers one request to the authority.
type Sender interface {
	Send(msg protocol.Message) error
}

// IDAllocator hands out object ids from the connection's id space.
type IDAllocator interface {
	AllocateID() uint32
}

// Window is a platform window that can carry a shell surface.
type Window interface {
	BaseSurface() (uint32, bool)
	OnDestroy(fn func())
}

// SurfaceNotifier is implemented by windows that announce when their base
// surface comes into existence.
type SurfaceNotifier interface {
	OnSurfaceCreated(fn func())
}

type Config struct {
	SignalPrefix string
	// QueryRetryAfter throttles repeated get_geometry requests while the
	// authority has no geometry to report.
	QueryRetryAfter time.Duration
	// Now is the clock used for query throttling; nil means time.Now.
	Now func() time.Time
}

// Manager is the peer side of one connection.
type Manager struct {
	send  Sender
	ids   IDAllocator
	mux   mux.Mux
	gate  *availability.Gate
	hooks Hooks
	cfg   Config

	version  uint32
	surfaces map[uint32]*Surface
	byWindow map[Window]*Surface
	byBase   map[uint32]*Surface
	// roleHeld lists base surfaces that were given the shell role. The
	// role outlives the shell surface, so these cannot be registered again.
	roleHeld map[uint32]struct{}
	waiting  map[Window]struct{}
	pending  *session.PendingTable
	dead     *protocol.ProtocolError
}

func NewManager(send Sender, ids IDAllocator, cfg Config, hooks Hooks) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		send:     send,
		ids:      ids,
		mux:      mux.New(cfg.SignalPrefix),
		gate:     availability.New(),
		hooks:    hooks,
		cfg:      cfg,
		surfaces: make(map[uint32]*Surface),
		byWindow: make(map[Window]*Surface),
		byBase:   make(map[uint32]*Surface),
		roleHeld: make(map[uint32]struct{}),
		waiting:  make(map[Window]struct{}),
		pending:  session.NewPendingTable(),
	}
}

func (m *Manager) Mux() mux.Mux {
	return m.mux
}

func (m *Manager) Available() bool {
	return m.gate.Available()
}

// Version is the negotiated interface version, or 0 before binding.
func (m *Manager) Version() uint32 {
	return m.version
}

// Dead returns the protocol error that stopped the manager, or nil.
func (m *Manager) Dead() error {
	if m.dead == nil {
		return nil
	}
	return m.dead
}

// Waiting reports how many windows are parked until they can be registered.
func (m *Manager) Waiting() int {
	return len(m.waiting)
}

// Pending lists get requests still waiting for their answering event.
func (m *Manager) Pending() []session.PendingRequest {
	return m.pending.List()
}

// RegisterWindow creates the shell surface for w. While the extension is
// unavailable, or w has no base surface yet, registration is deferred and
// RegisterWindow returns (nil, nil); it is retried automatically once the
// blocker clears. A window already registered returns its existing proxy.
func (m *Manager) RegisterWindow(w Window) (*Surface, error) {
	if m.dead != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionDead, m.dead)
	}
	if s, ok := m.byWindow[w]; ok {
		return s, nil
	}
	if _, ok := m.waiting[w]; ok {
		return nil, nil
	}
	if !m.gate.Available() {
		m.waiting[w] = struct{}{}
		_ = m.gate.Defer(func() { m.retryRegister(w) })
		log.Debug().Msgf("peer.Manager.RegisterWindow deferred until available waiting=%d", len(m.waiting))
		return nil, nil
	}
	base, ok := w.BaseSurface()
	if !ok {
		notifier, canWait := w.(SurfaceNotifier)
		if !canWait {
			return nil, ErrNoBaseSurface
		}
		m.waiting[w] = struct{}{}
		notifier.OnSurfaceCreated(func() { m.retryRegister(w) })
		w.OnDestroy(func() { delete(m.waiting, w) })
		log.Debug().Msg("peer.Manager.RegisterWindow deferred until base surface exists")
		return nil, nil
	}
	if _, held := m.roleHeld[base]; held {
		return nil, fmt.Errorf("%w: base=%d", ErrRoleConsumed, base)
	}
	return m.create(w, base)
}

func (m *Manager) retryRegister(w Window) {
	delete(m.waiting, w)
	if _, err := m.RegisterWindow(w); err != nil {
		log.Warn().Msgf("peer.Manager.retryRegister err=%v", err)
	}
}

// EnsureShellSurface returns the shell surface bound to base, if any. It
// never creates one.
func (m *Manager) EnsureShellSurface(base uint32) (*Surface, bool) {
	s, ok := m.byBase[base]
	return s, ok
}

// Surface returns a live proxy by id.
func (m *Manager) Surface(id uint32) (*Surface, bool) {
	s, ok := m.surfaces[id]
	return s, ok
}

func (m *Manager) Len() int {
	return len(m.surfaces)
}

func (m *Manager) create(w Window, base uint32) (*Surface, error) {
	id := m.ids.AllocateID()
	s := &Surface{
		m:      m,
		id:     id,
		window: w,
		base:   base,
		state:  StateRequested,
		props:  make(map[string]value.Value),
	}
	if err := m.emit(protocol.CreateSurface{ID: id, BaseSurface: base}.Message()); err != nil {
		return nil, err
	}
	m.surfaces[id] = s
	m.byWindow[w] = s
	m.byBase[base] = s
	m.roleHeld[base] = struct{}{}
	w.OnDestroy(func() {
		delete(m.roleHeld, base)
		if err := s.Destroy(); err != nil && !errors.Is(err, ErrSurfaceDestroyed) {
			log.Debug().Msgf("peer.Surface.Destroy on window destroy id=%d err=%v", s.id, err)
		}
	})
	log.Debug().Msgf("peer.Manager.create id=%d base=%d", id, base)
	return s, nil
}

// HandleMessage processes one event from the authority. It returns the
// authority's *protocol.ProtocolError when the connection was failed;
// everything else is absorbed.
func (m *Manager) HandleMessage(msg protocol.Message) error {
	if m.dead != nil {
		return m.dead
	}
	observability.RecordMessage(observability.SidePeer, observability.DirectionIn, msg.Name())
	if !msg.IsEvent() {
		log.Warn().Msgf("peer.Manager.HandleMessage ignore request op=%s", msg.Name())
		return nil
	}

	switch msg.Opcode {
	case schema.MsgGlobal:
		return m.handleGlobal(msg)
	case schema.MsgGlobalRemove:
		return m.handleGlobalRemove(msg)
	case schema.MsgError:
		evt, err := protocol.DecodeError(msg)
		if err != nil {
			log.Warn().Msgf("peer.Manager.HandleMessage malformed error event err=%v", err)
			return nil
		}
		return m.fail(evt.Err())
	case schema.MsgSurfaceCreated:
		// Sent on the manager object; the new id travels in the payload.
		evt, err := protocol.DecodeSurfaceCreated(msg)
		if err != nil {
			log.Warn().Msgf("peer.Manager.HandleMessage malformed surface_created err=%v", err)
			return nil
		}
		s, ok := m.surfaces[evt.ID]
		if !ok {
			log.Debug().Msgf("peer.Manager.HandleMessage ignore surface_created unknown id=%d", evt.ID)
			return nil
		}
		s.bind()
		return nil
	case schema.MsgGeometry, schema.MsgProperty:
		s, ok := m.surfaces[msg.ObjectID]
		if !ok {
			// Events for released ids are void.
			log.Debug().Msgf("peer.Manager.HandleMessage ignore op=%s unknown id=%d", msg.Name(), msg.ObjectID)
			return nil
		}
		s.handle(msg)
		return nil
	default:
		log.Warn().Msgf("peer.Manager.HandleMessage ignore op=%s", msg.Name())
		return nil
	}
}

func (m *Manager) handleGlobal(msg protocol.Message) error {
	evt, err := protocol.DecodeGlobal(msg)
	if err != nil {
		log.Warn().Msgf("peer.Manager.handleGlobal malformed err=%v", err)
		return nil
	}
	if evt.Interface != protocol.Interface {
		return nil
	}
	if m.gate.Available() {
		return nil
	}
	version := min(evt.Version, protocol.InterfaceVersion)
	if version == 0 {
		log.Warn().Msgf("peer.Manager.handleGlobal unusable version=%d", evt.Version)
		return nil
	}
	if err := m.emit(protocol.Bind{Interface: protocol.Interface, Version: version}.Message()); err != nil {
		return err
	}
	m.version = version
	log.Info().Msgf("peer.Manager bound interface=%s version=%d", protocol.Interface, version)
	m.setAvailable(true)
	return nil
}

func (m *Manager) handleGlobalRemove(msg protocol.Message) error {
	evt, err := protocol.DecodeGlobalRemove(msg)
	if err != nil {
		log.Warn().Msgf("peer.Manager.handleGlobalRemove malformed err=%v", err)
		return nil
	}
	if evt.Interface != protocol.Interface {
		return nil
	}
	m.version = 0
	log.Info().Msgf("peer.Manager unbound interface=%s", protocol.Interface)
	m.setAvailable(false)
	return nil
}

func (m *Manager) setAvailable(available bool) {
	if m.gate.Available() == available {
		return
	}
	if m.hooks.Availability != nil {
		m.hooks.Availability(available)
	}
	m.gate.SetAvailable(available)
}

// fail marks every proxy destroyed after the authority reported a fatal error.
func (m *Manager) fail(perr *protocol.ProtocolError) error {
	m.dead = perr
	observability.RecordViolation(observability.SidePeer, protocol.ErrorCodeName(perr.Code))
	log.Error().Msgf("peer.Manager protocol error object=%d code=%s message=%q",
		perr.ObjectID, protocol.ErrorCodeName(perr.Code), perr.Message)
	m.releaseAll()
	if m.hooks.ProtocolError != nil {
		m.hooks.ProtocolError(perr)
	}
	return perr
}

// Close releases every proxy, as when the connection is gone.
func (m *Manager) Close() {
	m.releaseAll()
	m.setAvailable(false)
}

func (m *Manager) releaseAll() {
	for _, s := range m.surfaces {
		m.release(s)
	}
}

func (m *Manager) release(s *Surface) {
	if s.state == StateDestroyed {
		return
	}
	wasBound := s.state == StateBound
	s.state = StateDestroyed
	delete(m.surfaces, s.id)
	if current, ok := m.byWindow[s.window]; ok && current == s {
		delete(m.byWindow, s.window)
	}
	if current, ok := m.byBase[s.base]; ok && current == s {
		delete(m.byBase, s.base)
	}
	m.pending.RemoveObject(s.id)
	s.failQueries(fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id))
	if wasBound {
		observability.SurfaceReleased(observability.SidePeer)
	}
	log.Debug().Msgf("peer.Manager.release id=%d", s.id)
	if m.hooks.SurfaceDestroyed != nil {
		m.hooks.SurfaceDestroyed(s)
	}
}

// query sends req unless the same get is already outstanding. A zero
// retryAfter sends at most once per outstanding request.
func (m *Manager) query(key string, req protocol.Message, retryAfter time.Duration) error {
	now := m.cfg.Now()
	if !m.pending.Due(key, now, retryAfter) {
		return nil
	}
	m.pending.Track(key, req.ObjectID, req.Opcode, now)
	return m.emit(req)
}

func (m *Manager) emit(msg protocol.Message) error {
	observability.RecordMessage(observability.SidePeer, observability.DirectionOut, msg.Name())
	return m.send.Send(msg)
}
