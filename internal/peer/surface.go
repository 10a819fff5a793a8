package peer

import (
	"fmt"
	"sort"

	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/observability"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/rs/zerolog/log"
)

type State uint8

const (
	StateRequested State = iota
	StateBound
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateBound:
		return "bound"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Surface is the peer's proxy for one shell surface.
type Surface struct {
	m      *Manager
	id     uint32
	window Window
	base   uint32
	state  State

	geometry    protocol.Rect
	hasGeometry bool
	props       map[string]value.Value

	propQueries map[string][]*Query[value.Value]
	geoQueries  []*Query[protocol.Rect]
}

func (s *Surface) ID() uint32 {
	return s.id
}

func (s *Surface) BaseSurface() uint32 {
	return s.base
}

func (s *Surface) Window() Window {
	return s.window
}

func (s *Surface) State() State {
	return s.state
}

func geometryKey(id uint32) string {
	return fmt.Sprintf("%d/geometry", id)
}

func propertyKey(id uint32, name string) string {
	return fmt.Sprintf("%d/property/%s", id, name)
}

// Property returns the cached value for name. On a miss it asks the
// authority, once while that request is outstanding, and returns the
// invalid placeholder. Signal names are never cached or requested.
func (s *Surface) Property(name string) value.Value {
	if s.m.mux.IsSignal(name) {
		return value.Invalid()
	}
	if v, ok := s.props[name]; ok {
		return v
	}
	if s.state != StateDestroyed {
		if err := s.m.query(propertyKey(s.id, name), protocol.GetProperty{ID: s.id, Name: name}.Message(), 0); err != nil {
			log.Warn().Msgf("peer.Surface.Property request id=%d name=%q err=%v", s.id, name, err)
		}
	}
	return value.Invalid()
}

// Geometry returns the cached rectangle. While unset it requests one,
// at most once per QueryRetryAfter, and returns ok=false.
func (s *Surface) Geometry() (protocol.Rect, bool) {
	if s.hasGeometry {
		return s.geometry, true
	}
	if s.state != StateDestroyed {
		if err := s.m.query(geometryKey(s.id), protocol.GetGeometry{ID: s.id}.Message(), s.m.cfg.QueryRetryAfter); err != nil {
			log.Warn().Msgf("peer.Surface.Geometry request id=%d err=%v", s.id, err)
		}
	}
	return protocol.Rect{}, false
}

func (s *Surface) Properties() map[string]value.Value {
	out := make(map[string]value.Value, len(s.props))
	for k, v := range s.props {
		out[k] = v
	}
	return out
}

func (s *Surface) PropertyNames() []string {
	names := make([]string, 0, len(s.props))
	for k := range s.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// QueryProperty asks the authority for name and resolves with its answer,
// cached or not.
func (s *Surface) QueryProperty(name string) *Query[value.Value] {
	if s.state == StateDestroyed {
		return resolvedQuery(value.Invalid(), fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id))
	}
	if err := s.m.mux.CheckProperty(name); err != nil {
		return resolvedQuery(value.Invalid(), err)
	}
	q := newQuery[value.Value]()
	if s.propQueries == nil {
		s.propQueries = make(map[string][]*Query[value.Value])
	}
	s.propQueries[name] = append(s.propQueries[name], q)
	if err := s.m.query(propertyKey(s.id, name), protocol.GetProperty{ID: s.id, Name: name}.Message(), 0); err != nil {
		q.resolve(value.Invalid(), err)
	}
	return q
}

// QueryGeometry resolves with the next geometry event for this surface.
// The authority does not answer while it has no geometry.
func (s *Surface) QueryGeometry() *Query[protocol.Rect] {
	if s.state == StateDestroyed {
		return resolvedQuery(protocol.Rect{}, fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id))
	}
	q := newQuery[protocol.Rect]()
	s.geoQueries = append(s.geoQueries, q)
	if err := s.m.query(geometryKey(s.id), protocol.GetGeometry{ID: s.id}.Message(), s.m.cfg.QueryRetryAfter); err != nil {
		q.resolve(protocol.Rect{}, err)
	}
	return q
}

// SetProperty writes v to the local cache and sends it to the authority.
// A value identical to the cached one sends nothing.
func (s *Surface) SetProperty(name string, v value.Value) error {
	if s.state == StateDestroyed {
		return fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id)
	}
	if err := s.m.mux.CheckProperty(name); err != nil {
		return err
	}
	if value.Equal(s.props[name], v) {
		return nil
	}
	req, err := protocol.NewSetProperty(s.id, name, v)
	if err != nil {
		return err
	}
	// The cache only holds values that reached the wire.
	if err := s.m.emit(req.Message()); err != nil {
		return err
	}
	s.store(name, v)
	return nil
}

// SendSignal delivers a one-shot notification to the authority.
func (s *Surface) SendSignal(name string, v value.Value) error {
	if s.state == StateDestroyed {
		return fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id)
	}
	if err := s.m.mux.CheckSignal(name); err != nil {
		return err
	}
	req, err := protocol.NewSetProperty(s.id, s.m.mux.SignalName(name), v)
	if err != nil {
		return err
	}
	observability.RecordSignal(observability.SidePeer)
	return s.m.emit(req.Message())
}

func (s *Surface) RequestActivate() error {
	if s.state == StateDestroyed {
		return fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id)
	}
	return s.m.emit(protocol.RequestActivate{ID: s.id}.Message())
}

// Destroy releases the proxy and tells the authority. The id may be reused
// afterwards.
func (s *Surface) Destroy() error {
	if s.state == StateDestroyed {
		return fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id)
	}
	err := s.m.emit(protocol.Destroy{ID: s.id}.Message())
	s.m.release(s)
	return err
}

// store applies v to the cache and reports whether anything changed.
// The invalid value removes name.
func (s *Surface) store(name string, v value.Value) bool {
	if value.Equal(s.props[name], v) {
		return false
	}
	if v.IsValid() {
		s.props[name] = v
	} else {
		delete(s.props, name)
	}
	return true
}

// bind moves a requested surface to Bound once the authority confirms it.
func (s *Surface) bind() {
	if s.state != StateRequested {
		return
	}
	s.state = StateBound
	observability.SurfaceBound(observability.SidePeer)
	log.Debug().Msgf("peer.Surface bound id=%d base=%d", s.id, s.base)
	if s.m.hooks.SurfaceCreated != nil {
		s.m.hooks.SurfaceCreated(s)
	}
}

func (s *Surface) handle(msg protocol.Message) {
	switch msg.Opcode {
	case schema.MsgGeometry:
		evt, err := protocol.DecodeGeometry(msg)
		if err != nil {
			log.Warn().Msgf("peer.Surface.geometry malformed id=%d err=%v", s.id, err)
			return
		}
		s.m.pending.Remove(geometryKey(s.id))
		queries := s.geoQueries
		s.geoQueries = nil
		for _, q := range queries {
			q.resolve(evt.Rect, nil)
		}
		if s.hasGeometry && s.geometry == evt.Rect {
			return
		}
		s.geometry = evt.Rect
		s.hasGeometry = true
		if s.m.hooks.GeometryChanged != nil {
			s.m.hooks.GeometryChanged(s, evt.Rect)
		}

	case schema.MsgProperty:
		evt, err := protocol.DecodeProperty(msg)
		if err != nil {
			log.Warn().Msgf("peer.Surface.property malformed id=%d err=%v", s.id, err)
			return
		}
		v, err := evt.Value()
		if err != nil {
			observability.RecordDroppedPayload(observability.SidePeer, msg.Name())
			log.Warn().Msgf("peer.Surface.property drop id=%d name=%q err=%v", s.id, evt.Name, err)
			return
		}
		s.m.mux.Dispatch(evt.Name, v, mux.Sink{
			Property: s.applyRemote,
			Signal: func(name string, v value.Value) {
				observability.RecordSignal(observability.SidePeer)
				if s.m.hooks.Notify != nil {
					s.m.hooks.Notify(s, name, v)
				}
			},
		})
	}
}

// applyRemote updates the cache from an authority event and resolves any
// outstanding query for name, changed or not.
func (s *Surface) applyRemote(name string, v value.Value) {
	s.m.pending.Remove(propertyKey(s.id, name))
	queries := s.propQueries[name]
	delete(s.propQueries, name)
	for _, q := range queries {
		q.resolve(v, nil)
	}
	if !s.store(name, v) {
		return
	}
	if s.m.hooks.PropertyChanged != nil {
		s.m.hooks.PropertyChanged(s, name, v)
	}
}

func (s *Surface) failQueries(err error) {
	for name, queries := range s.propQueries {
		for _, q := range queries {
			q.resolve(value.Invalid(), err)
		}
		delete(s.propQueries, name)
	}
	for _, q := range s.geoQueries {
		q.resolve(protocol.Rect{}, err)
	}
	s.geoQueries = nil
}
