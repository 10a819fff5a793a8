package peer

import (
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/value"
)

// Hooks run on the connection loop. Nil hooks are skipped.
type Hooks struct {
	SurfaceCreated   func(s *Surface)
	SurfaceDestroyed func(s *Surface)
	GeometryChanged  func(s *Surface, rect protocol.Rect)
	PropertyChanged  func(s *Surface, name string, v value.Value)
	Notify           func(s *Surface, name string, v value.Value)
	// Availability fires on every gate transition.
	Availability  func(available bool)
	ProtocolError func(err *protocol.ProtocolError)
}
