package session

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrLoopStopped = errors.New("session: loop stopped")

// Handler processes one inbound message on the loop goroutine. A non-nil
// error stops the loop and closes the connection.
type Handler func(msg protocol.Message) error

type inbound struct {
	msg protocol.Message
	err error
}

// Loop is the single logical thread of control for one connection. Inbound
// messages and posted closures run one at a time, in arrival order.
type Loop struct {
	conn   Conn
	handle Handler

	recv  chan inbound
	posts *mailbox[func()]
	done  chan struct{}

	runOnce sync.Once
	errMu   sync.Mutex
	err     error
}

func NewLoop(conn Conn, handle Handler) *Loop {
	return &Loop{
		conn:   conn,
		handle: handle,
		recv:   make(chan inbound, 64),
		posts:  newMailbox[func()](),
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, the connection fails, or the handler
// returns an error. It closes the connection before returning. A clean
// remote close returns nil.
func (l *Loop) Run(ctx context.Context) error {
	err := ErrLoopStopped
	l.runOnce.Do(func() {
		err = l.run(ctx)
	})
	return err
}

func (l *Loop) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.readLoop(ctx)

	var err error
	for err == nil {
		err = l.step(ctx)
	}
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	l.posts.close()
	_ = l.conn.Close()
	l.errMu.Lock()
	l.err = err
	l.errMu.Unlock()
	close(l.done)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Msgf("session.Loop.Run stopped err=%v", err)
	}
	return err
}

func (l *Loop) step(ctx context.Context) error {
	// Posted work first keeps local operations ordered ahead of later inbound traffic.
	if fn, ok := l.tryPost(); ok {
		fn()
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case in := <-l.recv:
		if in.err != nil {
			return in.err
		}
		return l.handle(in.msg)
	case <-l.posts.notify:
		return nil
	}
}

func (l *Loop) tryPost() (func(), bool) {
	l.posts.mu.Lock()
	defer l.posts.mu.Unlock()
	if len(l.posts.items) == 0 {
		return nil, false
	}
	fn := l.posts.items[0]
	l.posts.items[0] = nil
	l.posts.items = l.posts.items[1:]
	return fn, true
}

func (l *Loop) readLoop(ctx context.Context) {
	for {
		msg, err := l.conn.Receive(ctx)
		select {
		case l.recv <- inbound{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Post queues fn to run on the loop goroutine. It never blocks and may be
// called from inside the loop. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	return l.posts.push(fn)
}

// Do runs fn on the loop goroutine and waits for its result.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrLoopStopped
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes msg on the connection.
func (l *Loop) Send(msg protocol.Message) error {
	return l.conn.Send(msg)
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the reason the loop stopped, or nil while running.
func (l *Loop) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}
