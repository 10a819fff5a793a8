package wl

import (
	"fmt"

	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Window is a peer-side window handle. Its base surface exists only after
// the window is shown.
type Window struct {
	title     string
	base      uint32
	created   bool
	destroyed bool
	onCreated []func()
	onDestroy []func()
}

func (w *Window) Title() string {
	return w.title
}

// BaseSurface returns the base surface id once the window is shown.
func (w *Window) BaseSurface() (uint32, bool) {
	return w.base, w.created && !w.destroyed
}

// OnSurfaceCreated registers fn to run once the base surface exists.
// A destroyed window never calls fn.
func (w *Window) OnSurfaceCreated(fn func()) {
	if w.destroyed {
		return
	}
	if w.created {
		fn()
		return
	}
	w.onCreated = append(w.onCreated, fn)
}

// OnDestroy registers fn to run once when the window is destroyed.
func (w *Window) OnDestroy(fn func()) {
	if w.destroyed {
		fn()
		return
	}
	w.onDestroy = append(w.onDestroy, fn)
}

// Display is the peer's handle on the base transport. It allocates object
// ids from one space and announces base surfaces to the authority.
type Display struct {
	next uint32
	send func(protocol.Message) error
}

func NewDisplay(send func(protocol.Message) error) *Display {
	return &Display{send: send}
}

// AllocateID returns the next unused object id. Zero is the manager object.
func (d *Display) AllocateID() uint32 {
	d.next++
	return d.next
}

func (d *Display) CreateWindow(title string) *Window {
	return &Window{title: title}
}

// Show creates the window's base surface and announces it.
func (d *Display) Show(w *Window) error {
	if w.destroyed {
		return fmt.Errorf("%w: window %q", ErrDestroyed, w.title)
	}
	if w.created {
		return nil
	}
	id := d.AllocateID()
	if err := d.send(protocol.BaseCreateSurface{BaseSurface: id}.Message()); err != nil {
		return err
	}
	w.base = id
	w.created = true
	log.Debug().Msgf("wl.Display.Show title=%q base=%d", w.title, id)
	hooks := w.onCreated
	w.onCreated = nil
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Destroy tears the window down locally first, then releases the base
// surface on the authority.
func (d *Display) Destroy(w *Window) error {
	if w.destroyed {
		return nil
	}
	w.destroyed = true
	hooks := w.onDestroy
	w.onDestroy = nil
	for _, fn := range hooks {
		fn()
	}
	if !w.created {
		return nil
	}
	return d.send(protocol.BaseDestroySurface{BaseSurface: w.base}.Message())
}
