package authority

import (
	"errors"
	"testing"

	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/testutil/testlog"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/danmuck/shellsurface/internal/wl"
)

type recordSender struct {
	sent []protocol.Message
	err  error
}

func (r *recordSender) Send(msg protocol.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordSender) count(opcode uint32) int {
	n := 0
	for _, msg := range r.sent {
		if msg.Opcode == opcode {
			n++
		}
	}
	return n
}

func (r *recordSender) last(t *testing.T) protocol.Message {
	t.Helper()
	if len(r.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	return r.sent[len(r.sent)-1]
}

type fixture struct {
	reg   *Registry
	out   *recordSender
	table *wl.Table

	notified []string
	changed  []string
	created  []uint32
	gone     []uint32
	activate int
	notifyV  value.Value
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{out: &recordSender{}, table: wl.NewTable()}
	lookup := func(id uint32) (BaseSurface, bool) {
		s, ok := f.table.Lookup(id)
		if !ok {
			return nil, false
		}
		return s, true
	}
	f.reg = NewRegistry(f.out, lookup, cfg, Hooks{
		SurfaceCreated:   func(s *Surface) { f.created = append(f.created, s.ID()) },
		SurfaceDestroyed: func(s *Surface) { f.gone = append(f.gone, s.ID()) },
		PropertyChanged: func(s *Surface, name string, v value.Value) {
			f.changed = append(f.changed, name)
		},
		Notify: func(s *Surface, name string, v value.Value) {
			f.notified = append(f.notified, name)
			f.notifyV = v
		},
		ActivationRequested: func(*Surface) { f.activate++ },
	})
	return f
}

func (f *fixture) handle(t *testing.T, msg protocol.Message) error {
	t.Helper()
	return f.reg.HandleMessage(msg)
}

func (f *fixture) bind(t *testing.T) {
	t.Helper()
	if err := f.handle(t, protocol.Bind{Interface: protocol.Interface, Version: protocol.InterfaceVersion}.Message()); err != nil {
		t.Fatalf("bind: %v", err)
	}
}

func (f *fixture) createBound(t *testing.T, id, base uint32) *Surface {
	t.Helper()
	if _, ok := f.table.Lookup(base); !ok {
		if _, err := f.table.Create(base); err != nil {
			t.Fatalf("base create: %v", err)
		}
	}
	if err := f.handle(t, protocol.CreateSurface{ID: id, BaseSurface: base}.Message()); err != nil {
		t.Fatalf("create_surface: %v", err)
	}
	s, ok := f.reg.Surface(id)
	if !ok {
		t.Fatalf("surface %d not bound", id)
	}
	return s
}

func setProperty(t *testing.T, id uint32, name string, v value.Value) protocol.Message {
	t.Helper()
	msg, err := protocol.NewSetProperty(id, name, v)
	if err != nil {
		t.Fatalf("encode set_property: %v", err)
	}
	return msg.Message()
}

func expectViolation(t *testing.T, err error, code uint32) *protocol.ProtocolError {
	t.Helper()
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if perr.Code != code {
		t.Fatalf("expected code %s, got %s", protocol.ErrorCodeName(code), protocol.ErrorCodeName(perr.Code))
	}
	return perr
}

func TestCreateSurfaceBindsAndAnnounces(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	if s.State() != StateBound || s.BaseSurface() != 10 {
		t.Fatalf("unexpected surface state=%s base=%d", s.State(), s.BaseSurface())
	}
	created, err := protocol.DecodeSurfaceCreated(f.out.last(t))
	if err != nil || created.ID != 1 {
		t.Fatalf("expected surface_created(1), got %v err=%v", f.out.last(t), err)
	}
	base, _ := f.table.Lookup(10)
	if base.Role() != protocol.Role {
		t.Fatalf("role not assigned: %q", base.Role())
	}
	if len(f.created) != 1 || f.created[0] != 1 {
		t.Fatalf("created hook: %v", f.created)
	}
}

func TestCreateSurfaceBeforeBindIsFatal(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	_, _ = f.table.Create(10)
	err := f.handle(t, protocol.CreateSurface{ID: 1, BaseSurface: 10}.Message())
	expectViolation(t, err, protocol.ErrorInvalidObject)
	if f.out.count(schema.MsgError) != 1 {
		t.Fatalf("expected one error event, sent=%v", f.out.sent)
	}
}

func TestBindRejectsUnknownInterface(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	err := f.handle(t, protocol.Bind{Interface: "wl_shell", Version: 1}.Message())
	expectViolation(t, err, protocol.ErrorInvalidObject)
}

func TestDuplicateIDIsFatal(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	f.createBound(t, 1, 10)
	_, _ = f.table.Create(11)

	err := f.handle(t, protocol.CreateSurface{ID: 1, BaseSurface: 11}.Message())
	perr := expectViolation(t, err, protocol.ErrorInvalidObject)
	if perr.Message != "Given id, 1, is already assigned to base surface 10" {
		t.Fatalf("unexpected message %q", perr.Message)
	}
	evt, err := protocol.DecodeError(f.out.last(t))
	if err != nil || evt.Code != protocol.ErrorInvalidObject {
		t.Fatalf("expected error event, got %v err=%v", f.out.last(t), err)
	}
	// The registry is dead afterwards.
	if err := f.handle(t, protocol.GetGeometry{ID: 1}.Message()); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected dead registry, got %v", err)
	}
}

func TestRoleCollisionIsFatal(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	f.createBound(t, 1, 10)

	err := f.handle(t, protocol.CreateSurface{ID: 2, BaseSurface: 10}.Message())
	expectViolation(t, err, protocol.ErrorRole)
	if _, ok := f.reg.Surface(2); ok {
		t.Fatalf("surface 2 should not exist")
	}
}

func TestUnknownBaseSurfaceIsFatal(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	err := f.handle(t, protocol.CreateSurface{ID: 1, BaseSurface: 99}.Message())
	expectViolation(t, err, protocol.ErrorInvalidObject)
}

func TestIDReusableAfterDestroy(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	f.createBound(t, 1, 10)

	if err := f.handle(t, protocol.Destroy{ID: 1}.Message()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if f.reg.Len() != 0 || len(f.gone) != 1 {
		t.Fatalf("surface not released len=%d gone=%v", f.reg.Len(), f.gone)
	}
	f.createBound(t, 1, 11)
	if f.out.count(schema.MsgSurfaceCreated) != 2 {
		t.Fatalf("expected two surface_created events")
	}
}

func TestBaseSurfaceDestroyReleasesShellSurface(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	f.createBound(t, 1, 10)

	if err := f.table.Destroy(10); err != nil {
		t.Fatalf("base destroy: %v", err)
	}
	if _, ok := f.reg.Surface(1); ok {
		t.Fatalf("surface should be released with its base")
	}
	// Late requests for the released id are void.
	before := len(f.out.sent)
	if err := f.handle(t, protocol.GetGeometry{ID: 1}.Message()); err != nil {
		t.Fatalf("late request: %v", err)
	}
	if err := f.handle(t, setProperty(t, 1, "title", value.String("late"))); err != nil {
		t.Fatalf("late set: %v", err)
	}
	if len(f.out.sent) != before {
		t.Fatalf("late requests should produce no output")
	}
}

func TestSetGeometryDeduplicates(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	rect := protocol.Rect{X: 0, Y: 0, Width: 800, Height: 600}
	if err := s.SetGeometry(rect); err != nil {
		t.Fatalf("set geometry: %v", err)
	}
	if err := s.SetGeometry(rect); err != nil {
		t.Fatalf("set geometry again: %v", err)
	}
	if got := f.out.count(schema.MsgGeometry); got != 1 {
		t.Fatalf("expected exactly one geometry event, got %d", got)
	}
	if err := s.SetGeometry(protocol.Rect{Width: 1024, Height: 768}); err != nil {
		t.Fatalf("set geometry changed: %v", err)
	}
	if got := f.out.count(schema.MsgGeometry); got != 2 {
		t.Fatalf("expected second geometry event, got %d", got)
	}
}

func TestGetGeometryUnsetSendsNothing(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	f.createBound(t, 1, 10)

	if err := f.handle(t, protocol.GetGeometry{ID: 1}.Message()); err != nil {
		t.Fatalf("get_geometry: %v", err)
	}
	if f.out.count(schema.MsgGeometry) != 0 {
		t.Fatalf("unset geometry must not be answered")
	}
}

func TestDefaultGeometryAnswersGet(t *testing.T) {
	testlog.Start(t)
	rect := protocol.Rect{Width: 640, Height: 480}
	f := newFixture(t, Config{DefaultGeometry: &rect})
	f.bind(t)
	f.createBound(t, 1, 10)

	if err := f.handle(t, protocol.GetGeometry{ID: 1}.Message()); err != nil {
		t.Fatalf("get_geometry: %v", err)
	}
	geo, err := protocol.DecodeGeometry(f.out.last(t))
	if err != nil || geo.Rect != rect {
		t.Fatalf("unexpected geometry %v err=%v", f.out.last(t), err)
	}
}

func TestRemoteSetPropertyStoresAndEchoes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	set := setProperty(t, 1, "title", value.String("Hi"))
	if err := f.handle(t, set); err != nil {
		t.Fatalf("set_property: %v", err)
	}
	got, _ := s.Property("title").Str()
	if got != "Hi" {
		t.Fatalf("expected stored title, got %v", s.Property("title"))
	}
	evt, err := protocol.DecodeProperty(f.out.last(t))
	if err != nil || evt.Name != "title" {
		t.Fatalf("expected property echo, got %v err=%v", f.out.last(t), err)
	}
	v, err := evt.Value()
	if err != nil || !value.Equal(v, value.String("Hi")) {
		t.Fatalf("echoed value mismatch: %v err=%v", v, err)
	}

	// The same value again is a no-op.
	if err := f.handle(t, set); err != nil {
		t.Fatalf("set_property again: %v", err)
	}
	if f.out.count(schema.MsgProperty) != 1 || len(f.changed) != 1 {
		t.Fatalf("expected one echo and one change, sent=%d changed=%v", f.out.count(schema.MsgProperty), f.changed)
	}
}

func TestSetPropertyDeduplicatesAuthorityWrites(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	for i := 0; i < 3; i++ {
		if err := s.SetProperty("opacity", value.Float(0.5)); err != nil {
			t.Fatalf("set property: %v", err)
		}
	}
	if got := f.out.count(schema.MsgProperty); got != 1 {
		t.Fatalf("expected one property event, got %d", got)
	}
	if err := s.SetProperty("opacity", value.Invalid()); err != nil {
		t.Fatalf("clear property: %v", err)
	}
	if _, ok := s.Properties()["opacity"]; ok {
		t.Fatalf("invalid value should delete the key")
	}
}

func TestSignalRoutesToNotifyAndIsNeverStored(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{SignalPrefix: "__SIGNAL_"})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	if err := f.handle(t, setProperty(t, 1, "__SIGNAL_ping", value.Int(42))); err != nil {
		t.Fatalf("set_property signal: %v", err)
	}
	if len(f.notified) != 1 || f.notified[0] != "ping" {
		t.Fatalf("notify hook: %v", f.notified)
	}
	if n, _ := f.notifyV.Int(); n != 42 {
		t.Fatalf("notify value: %v", f.notifyV)
	}
	if len(s.Properties()) != 0 || len(f.changed) != 0 {
		t.Fatalf("signal leaked into properties: %v", s.Properties())
	}

	before := len(f.out.sent)
	if err := f.handle(t, protocol.GetProperty{ID: 1, Name: "__SIGNAL_ping"}.Message()); err != nil {
		t.Fatalf("get_property signal: %v", err)
	}
	if len(f.out.sent) != before {
		t.Fatalf("signal names must never be answered")
	}
}

func TestPrefixIsolation(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{SignalPrefix: "__SIGNAL_"})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	// The default prefix is an ordinary property name under a custom prefix.
	if err := f.handle(t, setProperty(t, 1, "__DWAYLAND_SIGNAL_ping", value.Bool(true))); err != nil {
		t.Fatalf("set_property: %v", err)
	}
	if len(f.notified) != 0 {
		t.Fatalf("foreign prefix should not notify")
	}
	if !s.Property("__DWAYLAND_SIGNAL_ping").IsValid() {
		t.Fatalf("foreign prefix should be stored as a property")
	}
	if err := s.SetProperty("__SIGNAL_x", value.Int(1)); err == nil {
		t.Fatalf("reserved names must be rejected for properties")
	}
}

func TestSendSignalUsesPrefixAndStoresNothing(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{SignalPrefix: "__SIGNAL_"})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	if err := s.SendSignal("flash", value.Int(3)); err != nil {
		t.Fatalf("send signal: %v", err)
	}
	evt, err := protocol.DecodeProperty(f.out.last(t))
	if err != nil || evt.Name != "__SIGNAL_flash" {
		t.Fatalf("unexpected signal event %v err=%v", f.out.last(t), err)
	}
	if len(s.Properties()) != 0 {
		t.Fatalf("signals must not be stored")
	}
}

func TestGetPropertyRepliesWithStoredOrInvalid(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)
	if err := s.SetProperty("title", value.String("Hi")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := f.handle(t, protocol.GetProperty{ID: 1, Name: "title"}.Message()); err != nil {
		t.Fatalf("get: %v", err)
	}
	evt, _ := protocol.DecodeProperty(f.out.last(t))
	if v, _ := evt.Value(); !value.Equal(v, value.String("Hi")) {
		t.Fatalf("expected stored title, got %v", v)
	}

	if err := f.handle(t, protocol.GetProperty{ID: 1, Name: "missing"}.Message()); err != nil {
		t.Fatalf("get missing: %v", err)
	}
	evt, _ = protocol.DecodeProperty(f.out.last(t))
	if v, _ := evt.Value(); v.IsValid() {
		t.Fatalf("expected invalid placeholder, got %v", v)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	before := len(f.out.sent)
	bad := protocol.SetProperty{ID: 1, Name: "title", Payload: []byte{0xff, 0x00}}.Message()
	if err := f.handle(t, bad); err != nil {
		t.Fatalf("malformed payload must not be fatal: %v", err)
	}
	if len(f.out.sent) != before || s.Property("title").IsValid() {
		t.Fatalf("malformed payload should be dropped")
	}
	if f.reg.Dead() != nil {
		t.Fatalf("registry should stay alive")
	}
}

func TestActivationHook(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	f.createBound(t, 1, 10)
	if err := f.handle(t, protocol.RequestActivate{ID: 1}.Message()); err != nil {
		t.Fatalf("request_activate: %v", err)
	}
	if f.activate != 1 {
		t.Fatalf("activation hook calls=%d", f.activate)
	}
}

func TestEventAsRequestIsFatal(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	err := f.handle(t, protocol.SurfaceCreated{ID: 1}.Message())
	expectViolation(t, err, protocol.ErrorInvalidMethod)
}

func TestCloseReleasesEverything(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	a := f.createBound(t, 1, 10)
	f.createBound(t, 2, 11)

	f.reg.Close()
	if f.reg.Len() != 0 || len(f.gone) != 2 {
		t.Fatalf("close should release all len=%d gone=%v", f.reg.Len(), f.gone)
	}
	if err := a.SetGeometry(protocol.Rect{Width: 1}); !errors.Is(err, ErrSurfaceDestroyed) {
		t.Fatalf("expected ErrSurfaceDestroyed, got %v", err)
	}
	snaps := f.reg.Snapshot()
	if len(snaps) != 0 {
		t.Fatalf("expected empty snapshot, got %v", snaps)
	}
}

func TestFailedSendLeavesStateForRetry(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)

	f.out.err = errors.New("broken pipe")
	rect := protocol.Rect{X: 5, Y: 6, Width: 300, Height: 200}
	if err := s.SetGeometry(rect); err == nil {
		t.Fatalf("expected geometry send error")
	}
	if _, ok := s.Geometry(); ok {
		t.Fatalf("unsent geometry was stored")
	}
	if err := s.SetProperty("title", value.String("x")); err == nil {
		t.Fatalf("expected property send error")
	}
	if s.Property("title").IsValid() {
		t.Fatalf("unsent property was stored")
	}

	f.out.err = nil
	if err := s.SetGeometry(rect); err != nil {
		t.Fatalf("geometry retry: %v", err)
	}
	if err := s.SetProperty("title", value.String("x")); err != nil {
		t.Fatalf("property retry: %v", err)
	}
	if f.out.count(schema.MsgGeometry) != 1 || f.out.count(schema.MsgProperty) != 1 {
		t.Fatalf("retries not sent: %v", f.out.sent)
	}
	if got, ok := s.Geometry(); !ok || got != rect {
		t.Fatalf("geometry after retry = %v %v", got, ok)
	}
	if got, _ := s.Property("title").Str(); got != "x" {
		t.Fatalf("property after retry = %q", got)
	}
}

func TestSetPropertyRejectsUnencodableValue(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	f.bind(t)
	s := f.createBound(t, 1, 10)
	before := len(f.out.sent)

	if err := s.SetProperty("title", value.String("\xff")); !errors.Is(err, value.ErrUnencodable) {
		t.Fatalf("expected ErrUnencodable, got %v", err)
	}
	if s.Property("title").IsValid() || len(f.out.sent) != before {
		t.Fatalf("rejected value leaked")
	}
}
