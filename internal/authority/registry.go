package authority

import (
	"errors"
	"sort"

	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/observability"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/rs/zerolog/log"
)

var (
	ErrSurfaceDestroyed = errors.New("authority: surface destroyed")
	ErrRegistryDead     = errors.New("authority: registry stopped after protocol violation")
)

// BaseSurface is the base transport's surface handle as the registry sees it.
type BaseSurface interface {
	ID() uint32
	AssignRole(role string) error
	OnDestroy(fn func())
}

// BaseSurfaceLookup resolves base surface ids on one connection.
type BaseSurfaceLookup func(id uint32) (BaseSurface, bool)

// Sender delivers one message to the peer.
type Sender interface {
	Send(msg protocol.Message) error
}

type Config struct {
	SignalPrefix string
	// DefaultGeometry, when set, seeds every new surface so get_geometry
	// is answered before the host positions it.
	DefaultGeometry *protocol.Rect
}

// Registry is the authority side of one connection: it validates surface
// ids, assigns the shell role, and owns the canonical geometry and property
// state. It holds no locks; HandleMessage and every Surface method must be
// called from the connection loop.
type Registry struct {
	send     Sender
	lookup   BaseSurfaceLookup
	mux      mux.Mux
	hooks    Hooks
	cfg      Config
	bound    bool
	surfaces map[uint32]*Surface
	dead     *protocol.ProtocolError
}

func NewRegistry(send Sender, lookup BaseSurfaceLookup, cfg Config, hooks Hooks) *Registry {
	return &Registry{
		send:     send,
		lookup:   lookup,
		mux:      mux.New(cfg.SignalPrefix),
		hooks:    hooks,
		cfg:      cfg,
		surfaces: make(map[uint32]*Surface),
	}
}

func (r *Registry) Mux() mux.Mux {
	return r.mux
}

// Dead returns the violation that stopped the registry, or nil.
func (r *Registry) Dead() error {
	if r.dead == nil {
		return nil
	}
	return r.dead
}

// HandleMessage processes one inbound request. It returns a
// *protocol.ProtocolError for fatal violations, after the error event was
// sent; the caller is expected to drop the connection. Malformed value
// payloads and messages for unknown ids are dropped and return nil.
func (r *Registry) HandleMessage(msg protocol.Message) error {
	if r.dead != nil {
		return r.dead
	}
	observability.RecordMessage(observability.SideAuthority, observability.DirectionIn, msg.Name())
	if msg.IsEvent() {
		return r.Fail(protocol.Violation(msg.ObjectID, protocol.ErrorInvalidMethod,
			"event %s sent as request", msg.Name()))
	}

	switch msg.Opcode {
	case schema.MsgBind:
		return r.handleBind(msg)
	case schema.MsgCreateSurface:
		return r.handleCreate(msg)
	case schema.MsgGetGeometry,
		schema.MsgGetProperty,
		schema.MsgSetProperty,
		schema.MsgRequestActivate,
		schema.MsgDestroy:
		s, ok := r.surfaces[msg.ObjectID]
		if !ok || s.state != StateBound {
			// In-flight requests for a destroyed id are void.
			log.Debug().Msgf("authority.Registry.HandleMessage ignore op=%s unknown id=%d", msg.Name(), msg.ObjectID)
			return nil
		}
		return s.handle(msg)
	default:
		return r.Fail(protocol.Violation(msg.ObjectID, protocol.ErrorInvalidMethod,
			"unsupported request %s", msg.Name()))
	}
}

func (r *Registry) handleBind(msg protocol.Message) error {
	req, err := protocol.DecodeBind(msg)
	if err != nil {
		return r.malformedRequest(msg, err)
	}
	if req.Interface != protocol.Interface || req.Version == 0 || req.Version > protocol.InterfaceVersion {
		return r.Fail(protocol.Violation(protocol.ManagerObject, protocol.ErrorInvalidObject,
			"cannot bind %s version %d", req.Interface, req.Version))
	}
	if r.bound {
		log.Debug().Msg("authority.Registry.handleBind already bound")
		return nil
	}
	r.bound = true
	log.Debug().Msgf("authority.Registry.handleBind interface=%s version=%d", req.Interface, req.Version)
	return nil
}

func (r *Registry) handleCreate(msg protocol.Message) error {
	req, err := protocol.DecodeCreateSurface(msg)
	if err != nil {
		return r.malformedRequest(msg, err)
	}
	if !r.bound {
		return r.Fail(protocol.Violation(protocol.ManagerObject, protocol.ErrorInvalidObject,
			"create_surface before binding %s", protocol.Interface))
	}
	if req.ID == protocol.ManagerObject {
		return r.Fail(protocol.Violation(protocol.ManagerObject, protocol.ErrorInvalidObject,
			"surface id 0 is reserved"))
	}
	if existing, ok := r.surfaces[req.ID]; ok {
		return r.Fail(protocol.Violation(protocol.ManagerObject, protocol.ErrorInvalidObject,
			"Given id, %d, is already assigned to base surface %d", req.ID, existing.base.ID()))
	}
	base, ok := r.lookup(req.BaseSurface)
	if !ok {
		return r.Fail(protocol.Violation(protocol.ManagerObject, protocol.ErrorInvalidObject,
			"unknown base surface %d", req.BaseSurface))
	}

	s := &Surface{
		reg:   r,
		id:    req.ID,
		base:  base,
		state: StateRequested,
		props: make(map[string]value.Value),
	}
	if err := base.AssignRole(protocol.Role); err != nil {
		return r.Fail(protocol.Violation(protocol.ManagerObject, protocol.ErrorRole,
			"base surface %d cannot take role %s: %v", req.BaseSurface, protocol.Role, err))
	}
	r.surfaces[s.id] = s
	if r.hooks.SurfaceRequested != nil {
		r.hooks.SurfaceRequested(req.BaseSurface, req.ID)
	}

	s.state = StateBound
	if r.cfg.DefaultGeometry != nil {
		s.geometry = *r.cfg.DefaultGeometry
		s.hasGeometry = true
	}
	base.OnDestroy(func() { r.release(s, "base surface destroyed") })
	observability.SurfaceBound(observability.SideAuthority)
	log.Debug().Msgf("authority.Registry.handleCreate bound id=%d base=%d", s.id, req.BaseSurface)

	if err := r.emit(protocol.SurfaceCreated{ID: s.id}.Message()); err != nil {
		return err
	}
	if r.hooks.SurfaceCreated != nil {
		r.hooks.SurfaceCreated(s)
	}
	return nil
}

// malformedRequest escalates structural decoding failures. Value payloads
// are never checked here; they are decoded and dropped per message.
func (r *Registry) malformedRequest(msg protocol.Message, err error) error {
	return r.Fail(protocol.Violation(msg.ObjectID, protocol.ErrorInvalidMethod,
		"malformed %s: %v", msg.Name(), err))
}

// Fail sends perr as the error event and stops the registry. Every later
// HandleMessage returns perr.
func (r *Registry) Fail(perr *protocol.ProtocolError) error {
	if r.dead != nil {
		return r.dead
	}
	r.dead = perr
	observability.RecordViolation(observability.SideAuthority, protocol.ErrorCodeName(perr.Code))
	log.Warn().Msgf("authority.Registry.Fail object=%d code=%s message=%q",
		perr.ObjectID, protocol.ErrorCodeName(perr.Code), perr.Message)
	if err := r.emit(perr.Event().Message()); err != nil {
		log.Debug().Msgf("authority.Registry.Fail send error event err=%v", err)
	}
	return perr
}

// Surface returns a bound surface by id.
func (r *Registry) Surface(id uint32) (*Surface, bool) {
	s, ok := r.surfaces[id]
	if !ok || s.state != StateBound {
		return nil, false
	}
	return s, true
}

// Surfaces returns bound surfaces ordered by id.
func (r *Registry) Surfaces() []*Surface {
	out := make([]*Surface, 0, len(r.surfaces))
	for _, s := range r.surfaces {
		if s.state == StateBound {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Len() int {
	return len(r.surfaces)
}

// Snapshot copies the state of every bound surface.
func (r *Registry) Snapshot() []SurfaceSnapshot {
	surfaces := r.Surfaces()
	out := make([]SurfaceSnapshot, 0, len(surfaces))
	for _, s := range surfaces {
		out = append(out, s.Snapshot())
	}
	return out
}

// Close releases every surface, as when the connection is gone.
func (r *Registry) Close() {
	for _, s := range r.Surfaces() {
		r.release(s, "connection closed")
	}
}

// release moves s to Destroyed and frees its id for reuse.
func (r *Registry) release(s *Surface, reason string) {
	if s.state == StateDestroyed {
		return
	}
	s.state = StateDestroyed
	if current, ok := r.surfaces[s.id]; ok && current == s {
		delete(r.surfaces, s.id)
	}
	observability.SurfaceReleased(observability.SideAuthority)
	log.Debug().Msgf("authority.Registry.release id=%d reason=%q", s.id, reason)
	if r.hooks.SurfaceDestroyed != nil {
		r.hooks.SurfaceDestroyed(s)
	}
}

func (r *Registry) emit(msg protocol.Message) error {
	observability.RecordMessage(observability.SideAuthority, observability.DirectionOut, msg.Name())
	return r.send.Send(msg)
}
