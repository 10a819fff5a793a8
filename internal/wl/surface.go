package wl

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var (
	ErrRoleAssigned   = errors.New("wl: surface already has a role")
	ErrSurfaceExists  = errors.New("wl: surface id already in use")
	ErrUnknownSurface = errors.New("wl: unknown surface")
	ErrDestroyed      = errors.New("wl: surface destroyed")
)

// Surface is an authority-side base surface.
type Surface struct {
	id        uint32
	role      string
	destroyed bool
	onDestroy []func()
}

func (s *Surface) ID() uint32 {
	return s.id
}

// Role returns the assigned role, or "" if none.
func (s *Surface) Role() string {
	return s.role
}

// AssignRole tags the surface. A surface takes a role at most once for its
// lifetime; a second assignment fails even for the same role.
func (s *Surface) AssignRole(role string) error {
	if s.destroyed {
		return fmt.Errorf("%w: id=%d", ErrDestroyed, s.id)
	}
	if s.role != "" {
		return fmt.Errorf("%w: id=%d role=%s", ErrRoleAssigned, s.id, s.role)
	}
	s.role = role
	return nil
}

// OnDestroy registers fn to run once when the surface is destroyed.
func (s *Surface) OnDestroy(fn func()) {
	if s.destroyed {
		fn()
		return
	}
	s.onDestroy = append(s.onDestroy, fn)
}

func (s *Surface) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	hooks := s.onDestroy
	s.onDestroy = nil
	for _, fn := range hooks {
		fn()
	}
}

// Table holds the base surfaces of one connection.
type Table struct {
	surfaces map[uint32]*Surface
}

func NewTable() *Table {
	return &Table{surfaces: make(map[uint32]*Surface)}
}

func (t *Table) Create(id uint32) (*Surface, error) {
	if _, ok := t.surfaces[id]; ok {
		return nil, fmt.Errorf("%w: id=%d", ErrSurfaceExists, id)
	}
	s := &Surface{id: id}
	t.surfaces[id] = s
	log.Debug().Msgf("wl.Table.Create id=%d", id)
	return s, nil
}

func (t *Table) Lookup(id uint32) (*Surface, bool) {
	s, ok := t.surfaces[id]
	return s, ok
}

// Destroy removes the surface and fires its destroy notifications.
func (t *Table) Destroy(id uint32) error {
	s, ok := t.surfaces[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrUnknownSurface, id)
	}
	delete(t.surfaces, id)
	log.Debug().Msgf("wl.Table.Destroy id=%d role=%q", id, s.role)
	s.destroy()
	return nil
}

// DestroyAll tears down every surface, as on connection loss.
func (t *Table) DestroyAll() {
	for id := range t.surfaces {
		_ = t.Destroy(id)
	}
}

func (t *Table) Len() int {
	return len(t.surfaces)
}
