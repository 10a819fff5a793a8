package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/testutil/testlog"
)

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := cfg.Delay(1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := cfg.Delay(6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 8; attempt++ {
		base := BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: cfg.Multiplier, MaxDelay: cfg.MaxDelay}.Delay(attempt, nil)
		got := cfg.Delay(attempt, rng)
		if got < base/2 || got >= base*3/2 {
			t.Fatalf("attempt %d jitter out of range: %v base=%v", attempt, got, base)
		}
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cfg.Wait(ctx, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestPendingTableLifecycle(t *testing.T) {
	testlog.Start(t)
	p := NewPendingTable()
	now := time.Unix(1700000000, 0)

	if !p.Due("property:title", now, time.Second) {
		t.Fatalf("unknown key should be due")
	}
	item := p.Track("property:title", 1, 4, now)
	if item.Attempts != 1 || !item.QueuedAt.Equal(now) {
		t.Fatalf("unexpected first attempt: %+v", item)
	}
	if p.Due("property:title", now.Add(500*time.Millisecond), time.Second) {
		t.Fatalf("pending key should not be due before retry window")
	}
	if !p.Due("property:title", now.Add(time.Second), time.Second) {
		t.Fatalf("pending key should be due after retry window")
	}
	if p.Due("property:title", now.Add(time.Hour), 0) {
		t.Fatalf("zero retry window never retries")
	}
	item = p.Track("property:title", 1, 4, now.Add(time.Second))
	if item.Attempts != 2 || !item.QueuedAt.Equal(now) {
		t.Fatalf("unexpected second attempt: %+v", item)
	}

	p.Track("geometry", 1, 3, now)
	p.Track("geometry@2", 2, 3, now)
	if got := p.RemoveObject(1); got != 2 {
		t.Fatalf("expected 2 removed, got %d", got)
	}
	list := p.List()
	if len(list) != 1 || list[0].Key != "geometry@2" {
		t.Fatalf("unexpected remaining: %+v", list)
	}
	if _, ok := p.Remove("geometry@2"); !ok || p.Len() != 0 {
		t.Fatalf("remove failed")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	hello := Hello{
		PeerName:     "peer.demo",
		Interface:    protocol.Interface,
		Version:      protocol.InterfaceVersion,
		SignalPrefix: "__SIGNAL_",
	}
	var buf bytes.Buffer
	if err := WriteHello(&buf, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got, err := ReadHello(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if got != hello {
		t.Fatalf("unexpected hello: %+v", got)
	}
}

func TestHelloValidate(t *testing.T) {
	testlog.Start(t)
	if err := WriteHello(&bytes.Buffer{}, Hello{PeerName: "p"}); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
	ack := HelloAck{Status: AckStatusAccepted, ConnectionID: "not-a-uuid", TimestampMS: 1}
	if err := ack.Validate(); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck, got %v", err)
	}
	ack.ConnectionID = NewConnectionID()
	if err := ack.Validate(); err != nil {
		t.Fatalf("expected valid ack, got %v", err)
	}
}

func TestStreamConnHandshakeAndFrames(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	cfg := DefaultConfig()
	client := NewStreamConn(a, cfg)
	server := NewStreamConn(b, cfg)
	defer client.Close()
	defer server.Close()

	connID := NewConnectionID()
	var wg sync.WaitGroup
	wg.Add(1)
	var serverErr error
	go func() {
		defer wg.Done()
		_, _, serverErr = server.ServerHandshake(func(h Hello) HelloAck {
			return HelloAck{
				Status:       AckStatusAccepted,
				ConnectionID: connID,
				Version:      h.Version,
				TimestampMS:  uint64(time.Now().UnixMilli()),
			}
		})
		if serverErr != nil {
			return
		}
		serverErr = server.Send(protocol.SurfaceCreated{ID: 1}.Message())
	}()

	ack, err := client.ClientHandshake(Hello{
		PeerName:     "peer.demo",
		Interface:    protocol.Interface,
		Version:      protocol.InterfaceVersion,
		SignalPrefix: "__SIGNAL_",
	})
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if ack.ConnectionID != connID {
		t.Fatalf("unexpected connection id %q", ack.ConnectionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	created, err := protocol.DecodeSurfaceCreated(msg)
	if err != nil || created.ID != 1 {
		t.Fatalf("unexpected message %v err=%v", msg, err)
	}
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("server: %v", serverErr)
	}
}

func TestStreamConnHandshakeRejected(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	client := NewStreamConn(a, DefaultConfig())
	server := NewStreamConn(b, DefaultConfig())
	defer client.Close()
	defer server.Close()

	go func() {
		_, _, _ = server.ServerHandshake(func(Hello) HelloAck {
			return HelloAck{
				Status:      AckStatusRejected,
				Code:        1,
				Message:     "signal prefix mismatch",
				TimestampMS: uint64(time.Now().UnixMilli()),
			}
		})
	}()

	_, err := client.ClientHandshake(Hello{
		PeerName:     "peer.demo",
		Interface:    protocol.Interface,
		Version:      protocol.InterfaceVersion,
		SignalPrefix: "__OTHER_",
	})
	if !errors.Is(err, ErrHelloRejected) {
		t.Fatalf("expected ErrHelloRejected, got %v", err)
	}
}

func TestStreamConnReceiveHonoursCancel(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	conn := NewStreamConn(a, DefaultConfig())
	defer conn.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPipeDeliversInOrderAndCloses(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	for id := uint32(1); id <= 3; id++ {
		if err := a.Send(protocol.Destroy{ID: id}.Message()); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	_ = a.Close()

	ctx := context.Background()
	for want := uint32(1); want <= 3; want++ {
		msg, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %v", want, err)
		}
		if msg.ObjectID != want {
			t.Fatalf("out of order: got %d want %d", msg.ObjectID, want)
		}
	}
	if _, err := b.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Send(protocol.Destroy{ID: 1}.Message()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}

func TestLoopSerializesPostsAndMessages(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	var order []uint32
	loop := NewLoop(b, func(msg protocol.Message) error {
		order = append(order, msg.ObjectID)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	for id := uint32(1); id <= 5; id++ {
		if err := a.Send(protocol.Destroy{ID: id}.Message()); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	deadline, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	for {
		var n int
		if err := loop.Do(deadline, func() error { n = len(order); return nil }); err != nil {
			t.Fatalf("do: %v", err)
		}
		if n == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var got []uint32
	_ = loop.Do(deadline, func() error { got = append(got, order...); return nil })
	for i, id := range got {
		if id != uint32(i+1) {
			t.Fatalf("out of order dispatch: %v", got)
		}
	}

	_ = a.Close()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop after remote close")
	}
	if loop.Post(func() {}) {
		t.Fatalf("post after stop should fail")
	}
}

func TestLoopStopsOnHandlerError(t *testing.T) {
	testlog.Start(t)
	a, b := Pipe()
	fatal := protocol.Violation(1, protocol.ErrorInvalidObject, "boom")
	loop := NewLoop(b, func(protocol.Message) error { return fatal })

	if err := a.Send(protocol.Destroy{ID: 1}.Message()); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := loop.Run(context.Background())
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if !errors.Is(loop.Err(), protocol.ErrProtocolViolation) {
		t.Fatalf("Err() should report the stop reason")
	}
	if err := a.Send(protocol.Destroy{ID: 2}.Message()); !errors.Is(err, ErrClosed) {
		t.Fatalf("connection should be closed, got %v", err)
	}
}
