package authority

import (
	"errors"
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

// Surface is the authority's canonical record of one shell surface.
type Surface struct {
	reg         *Registry
	id          uint32
	base        BaseSurface
	state       State
	geometry    protocol.Rect
	hasGeometry bool
	props       map[string]value.Value
}

// SurfaceSnapshot is a copy of a surface's state for the admin surface.
type SurfaceSnapshot struct {
	ID          uint32                 `json:"id"`
	BaseSurface uint32                 `json:"base_surface"`
	State       string                 `json:"state"`
	Geometry    *protocol.Rect         `json:"geometry,omitempty"`
	Properties  map[string]value.Value `json:"properties"`
}

func (s *Surface) ID() uint32 {
	return s.id
}

func (s *Surface) BaseSurface() uint32 {
	return s.base.ID()
}

func (s *Surface) State() State {
	return s.state
}

// Geometry returns the stored rectangle; ok is false while unset.
func (s *Surface) Geometry() (protocol.Rect, bool) {
	return s.geometry, s.hasGeometry
}

// Property returns the stored value, or the invalid value if never set.
func (s *Surface) Property(name string) value.Value {
	return s.props[name]
}

func (s *Surface) Properties() map[string]value.Value {
	out := make(map[string]value.Value, len(s.props))
	for k, v := range s.props {
		out[k] = v
	}
	return out
}

// PropertyNames returns stored names in sorted order.
func (s *Surface) PropertyNames() []string {
	names := make([]string, 0, len(s.props))
	for k := range s.props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (s *Surface) Snapshot() SurfaceSnapshot {
	snap := SurfaceSnapshot{
		ID:          s.id,
		BaseSurface: s.base.ID(),
		State:       s.state.String(),
		Properties:  s.Properties(),
	}
	if s.hasGeometry {
		rect := s.geometry
		snap.Geometry = &rect
	}
	return snap
}

// SetGeometry stores rect and sends it to the peer. Setting the current
// rectangle again sends nothing.
func (s *Surface) SetGeometry(rect protocol.Rect) error {
	if s.state != StateBound {
		return fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id)
	}
	if s.hasGeometry && s.geometry == rect {
		return nil
	}
	log.Debug().Msgf("authority.Surface.SetGeometry id=%d rect=%s", s.id, rect)
	if err := s.reg.emit(protocol.Geometry{ID: s.id, Rect: rect}.Message()); err != nil {
		return err
	}
	s.geometry = rect
	s.hasGeometry = true
	return nil
}

// SetProperty stores v under name and sends it to the peer. A value equal
// to the stored one sends nothing. Names in the signal namespace are rejected.
func (s *Surface) SetProperty(name string, v value.Value) error {
	if s.state != StateBound {
		return fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id)
	}
	if err := s.reg.mux.CheckProperty(name); err != nil {
		return err
	}
	if value.Equal(s.props[name], v) {
		return nil
	}
	payload, err := value.Encode(v)
	if err != nil {
		return err
	}
	// Store only once the event is out so a failed send can be retried.
	if err := s.reg.emit(protocol.Property{ID: s.id, Name: name, Payload: payload}.Message()); err != nil {
		return err
	}
	s.store(name, v)
	return nil
}

// SendSignal delivers a one-shot notification to the peer. Nothing is stored.
func (s *Surface) SendSignal(name string, v value.Value) error {
	if s.state != StateBound {
		return fmt.Errorf("%w: id=%d", ErrSurfaceDestroyed, s.id)
	}
	if err := s.reg.mux.CheckSignal(name); err != nil {
		return err
	}
	msg, err := protocol.NewProperty(s.id, s.reg.mux.SignalName(name), v)
	if err != nil {
		return err
	}
	return s.reg.emit(msg.Message())
}

// store applies v and reports whether anything changed. Storing the
// invalid value removes the name.
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

func (s *Surface) handle(msg protocol.Message) error {
	switch msg.Opcode {
	case schema.MsgGetGeometry:
		if _, err := protocol.DecodeGetGeometry(msg); err != nil {
			return s.reg.malformedRequest(msg, err)
		}
		if !s.hasGeometry {
			return nil
		}
		return s.reg.emit(protocol.Geometry{ID: s.id, Rect: s.geometry}.Message())

	case schema.MsgGetProperty:
		req, err := protocol.DecodeGetProperty(msg)
		if err != nil {
			return s.reg.malformedRequest(msg, err)
		}
		if s.reg.mux.IsSignal(req.Name) {
			log.Debug().Msgf("authority.Surface.get_property ignore signal name id=%d name=%q", s.id, req.Name)
			return nil
		}
		reply, err := protocol.NewProperty(s.id, req.Name, s.props[req.Name])
		if err != nil {
			return err
		}
		return s.reg.emit(reply.Message())

	case schema.MsgSetProperty:
		req, err := protocol.DecodeSetProperty(msg)
		if err != nil {
			return s.reg.malformedRequest(msg, err)
		}
		v, err := req.Value()
		if err != nil {
			observability.RecordDroppedPayload(observability.SideAuthority, msg.Name())
			log.Warn().Msgf("authority.Surface.set_property drop id=%d name=%q err=%v", s.id, req.Name, err)
			return nil
		}
		var sendErr error
		s.reg.mux.Dispatch(req.Name, v, mux.Sink{
			Property: func(name string, v value.Value) {
				sendErr = s.applyRemote(name, v, req.Payload)
			},
			Signal: func(name string, v value.Value) {
				observability.RecordSignal(observability.SideAuthority)
				if s.reg.hooks.Notify != nil {
					s.reg.hooks.Notify(s, name, v)
				}
			},
		})
		return sendErr

	case schema.MsgRequestActivate:
		if _, err := protocol.DecodeRequestActivate(msg); err != nil {
			return s.reg.malformedRequest(msg, err)
		}
		if s.reg.hooks.ActivationRequested != nil {
			s.reg.hooks.ActivationRequested(s)
		}
		return nil

	case schema.MsgDestroy:
		if _, err := protocol.DecodeDestroy(msg); err != nil {
			return s.reg.malformedRequest(msg, err)
		}
		s.reg.release(s, "destroy request")
		return nil
	}
	return errors.New("authority: unreachable opcode " + msg.Name())
}

// applyRemote stores a peer-originated property, echoes the accepted bytes
// and notifies observers. Identical values are a no-op.
func (s *Surface) applyRemote(name string, v value.Value, payload []byte) error {
	if !s.store(name, v) {
		log.Debug().Msgf("authority.Surface.set_property unchanged id=%d name=%q", s.id, name)
		return nil
	}
	if err := s.reg.emit(protocol.Property{ID: s.id, Name: name, Payload: payload}.Message()); err != nil {
		return err
	}
	if s.reg.hooks.PropertyChanged != nil {
		s.reg.hooks.PropertyChanged(s, name, v)
	}
	return nil
}
