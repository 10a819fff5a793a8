package authority

import "github.com/danmuck/shellsurface/internal/value"

// Hooks are the upward notifications of a Registry. Every hook runs on the
// connection loop; nil hooks are skipped.
type Hooks struct {
	// SurfaceRequested fires after role assignment, before the surface is bound.
	SurfaceRequested    func(baseSurface, id uint32)
	SurfaceCreated      func(s *Surface)
	SurfaceDestroyed    func(s *Surface)
	PropertyChanged     func(s *Surface, name string, v value.Value)
	Notify              func(s *Surface, name string, v value.Value)
	ActivationRequested func(s *Surface)
}
