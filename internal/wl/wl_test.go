package wl

import (
	"errors"
	"testing"

	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/testutil/testlog"
)

func TestRoleAssignedOnce(t *testing.T) {
	testlog.Start(t)
	table := NewTable()
	s, err := table.Create(7)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AssignRole(protocol.Role); err != nil {
		t.Fatalf("first role: %v", err)
	}
	if err := s.AssignRole(protocol.Role); !errors.Is(err, ErrRoleAssigned) {
		t.Fatalf("expected ErrRoleAssigned, got %v", err)
	}
	if _, err := table.Create(7); !errors.Is(err, ErrSurfaceExists) {
		t.Fatalf("expected ErrSurfaceExists, got %v", err)
	}
}

func TestDestroyFiresHooksOnce(t *testing.T) {
	testlog.Start(t)
	table := NewTable()
	s, _ := table.Create(1)
	fired := 0
	s.OnDestroy(func() { fired++ })

	if err := table.Destroy(1); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := table.Destroy(1); !errors.Is(err, ErrUnknownSurface) {
		t.Fatalf("expected ErrUnknownSurface, got %v", err)
	}
	if fired != 1 {
		t.Fatalf("destroy hook fired %d times", fired)
	}
	if err := s.AssignRole(protocol.Role); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	late := false
	s.OnDestroy(func() { late = true })
	if !late {
		t.Fatalf("hook registered after destroy should run immediately")
	}
}

func TestDisplayShowAnnouncesBaseSurface(t *testing.T) {
	testlog.Start(t)
	var sent []protocol.Message
	d := NewDisplay(func(msg protocol.Message) error {
		sent = append(sent, msg)
		return nil
	})

	w := d.CreateWindow("terminal")
	if _, ok := w.BaseSurface(); ok {
		t.Fatalf("window should have no base surface before show")
	}
	created := 0
	w.OnSurfaceCreated(func() { created++ })

	if err := d.Show(w); err != nil {
		t.Fatalf("show: %v", err)
	}
	if err := d.Show(w); err != nil {
		t.Fatalf("second show: %v", err)
	}
	base, ok := w.BaseSurface()
	if !ok || base != 1 || created != 1 {
		t.Fatalf("unexpected state base=%d ok=%v created=%d", base, ok, created)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one base_create_surface, got %d", len(sent))
	}
	msg, err := protocol.DecodeBaseCreateSurface(sent[0])
	if err != nil || msg.BaseSurface != 1 {
		t.Fatalf("unexpected message %v err=%v", sent[0], err)
	}
	if next := d.AllocateID(); next != 2 {
		t.Fatalf("ids must not repeat: %d", next)
	}

	destroyed := false
	w.OnDestroy(func() { destroyed = true })
	if err := d.Destroy(w); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !destroyed || len(sent) != 2 || sent[1].Name() != "base_destroy_surface" {
		t.Fatalf("destroy not announced: destroyed=%v sent=%v", destroyed, sent)
	}
	if _, ok := w.BaseSurface(); ok {
		t.Fatalf("destroyed window should have no base surface")
	}
}
