// Package availability tracks whether the shell manager global is bound on
// the peer side and holds work deferred until it is.
package availability

import (
	"errors"

	"github.com/rs/zerolog/log"
)

// ErrNotReady marks an operation attempted before the global was bound.
// Callers absorb it by deferring onto the Gate.
var ErrNotReady = errors.New("availability: extension not ready")

type State uint8

const (
	Unavailable State = iota
	Available
)

func (s State) String() string {
	if s == Available {
		return "available"
	}
	return "unavailable"
}

// Gate is an explicit Unavailable -> Available state with a continuation
// queue. The queue is drained exactly once per transition to Available;
// each continuation runs at most once. A Gate is driven from one goroutine.
type Gate struct {
	state       State
	queue       []func()
	transitions int
}

func New() *Gate {
	return &Gate{}
}

func (g *Gate) State() State {
	return g.state
}

func (g *Gate) Available() bool {
	return g.state == Available
}

// Pending returns the number of queued continuations.
func (g *Gate) Pending() int {
	return len(g.queue)
}

// Transitions counts Unavailable -> Available edges seen so far.
func (g *Gate) Transitions() int {
	return g.transitions
}

// Defer runs fn now if available, otherwise queues it for the next
// transition. It returns ErrNotReady when fn was queued.
func (g *Gate) Defer(fn func()) error {
	if g.state == Available {
		fn()
		return nil
	}
	g.queue = append(g.queue, fn)
	return ErrNotReady
}

// SetAvailable moves the gate. Turning available drains the queue in
// enqueue order; continuations queued while draining run in the same pass.
// Turning unavailable leaves any queued work for the next transition.
func (g *Gate) SetAvailable(available bool) {
	if !available {
		if g.state == Available {
			log.Debug().Msg("availability.Gate.SetAvailable unavailable")
		}
		g.state = Unavailable
		return
	}
	if g.state == Available {
		return
	}
	g.state = Available
	g.transitions++
	log.Debug().Msgf("availability.Gate.SetAvailable available queued=%d", len(g.queue))
	for len(g.queue) > 0 {
		fn := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		fn()
		if g.state != Available {
			// A continuation withdrew availability; keep the rest for the next edge.
			return
		}
	}
	g.queue = nil
}
