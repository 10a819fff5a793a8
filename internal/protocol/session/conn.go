package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("session: connection closed")

// Conn is an ordered, reliable, message-boundary-preserving channel.
// Send never waits for the remote side to read.
type Conn interface {
	Send(msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// mailbox is an unbounded FIFO with a wakeup channel.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()
	m.wake()
	return true
}

func (m *mailbox[T]) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

// pop waits for the next item. Items queued before close are still delivered.
func (m *mailbox[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			item := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return item, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// PipeConn is one end of an in-memory Conn pair. Messages cross the pipe
// as encoded frames so the two ends never share memory.
type PipeConn struct {
	in   *mailbox[frame.Frame]
	out  *mailbox[frame.Frame]
	seq  atomic.Uint64
	once sync.Once
}

// Pipe returns two connected ends. Closing either end closes both directions.
func Pipe() (*PipeConn, *PipeConn) {
	ab := newMailbox[frame.Frame]()
	ba := newMailbox[frame.Frame]()
	return &PipeConn{in: ba, out: ab}, &PipeConn{in: ab, out: ba}
}

func (p *PipeConn) Send(msg protocol.Message) error {
	if !p.out.push(protocol.EncodeFrame(p.seq.Add(1), msg)) {
		return ErrClosed
	}
	return nil
}

func (p *PipeConn) Receive(ctx context.Context) (protocol.Message, error) {
	f, err := p.in.pop(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.DecodeFrame(f)
}

func (p *PipeConn) Close() error {
	p.once.Do(func() {
		p.out.close()
		p.in.close()
	})
	return nil
}

// StreamConn carries framed messages over a net.Conn. The hello handshake
// runs on the same buffered reader before framed traffic starts.
type StreamConn struct {
	conn   net.Conn
	br     *bufio.Reader
	cfg    Config
	seq    atomic.Uint64
	sendMu sync.Mutex
}

func NewStreamConn(conn net.Conn, cfg Config) *StreamConn {
	return &StreamConn{
		conn: conn,
		br:   bufio.NewReader(conn),
		cfg:  cfg,
	}
}

func (s *StreamConn) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ClientHandshake sends hello and waits for the authority's ack.
func (s *StreamConn) ClientHandshake(hello Hello) (HelloAck, error) {
	if s.cfg.HandshakeTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		defer s.conn.SetDeadline(time.Time{})
	}
	if err := WriteHello(s.conn, hello); err != nil {
		return HelloAck{}, err
	}
	ack, err := ReadHelloAck(s.br)
	if err != nil {
		return HelloAck{}, err
	}
	if !ack.Accepted() {
		return ack, fmt.Errorf("%w: code=%d message=%s", ErrHelloRejected, ack.Code, ack.Message)
	}
	return ack, nil
}

// ServerHandshake reads hello, lets accept build the ack, and writes it.
// A rejected ack is written and returned as ErrHelloRejected.
func (s *StreamConn) ServerHandshake(accept func(Hello) HelloAck) (Hello, HelloAck, error) {
	if s.cfg.HandshakeTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
		defer s.conn.SetDeadline(time.Time{})
	}
	hello, err := ReadHello(s.br)
	if err != nil {
		return Hello{}, HelloAck{}, err
	}
	ack := accept(hello)
	if err := WriteHelloAck(s.conn, ack); err != nil {
		return hello, ack, err
	}
	if !ack.Accepted() {
		return hello, ack, fmt.Errorf("%w: %s", ErrHelloRejected, ack.Message)
	}
	return hello, ack, nil
}

func (s *StreamConn) Send(msg protocol.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := protocol.WriteMessage(s.conn, s.seq.Add(1), msg, s.cfg.Limits()); err != nil {
		log.Debug().Msgf("session.StreamConn.Send failed op=%s err=%v", msg.Name(), err)
		return err
	}
	return nil
}

// Receive blocks for the next frame. Cancelling ctx unblocks the read.
func (s *StreamConn) Receive(ctx context.Context) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	msg, _, err := protocol.ReadMessage(s.br, s.cfg.Limits())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Message{}, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return protocol.Message{}, ErrClosed
		}
		return protocol.Message{}, err
	}
	return msg, nil
}

func (s *StreamConn) Close() error {
	return s.conn.Close()
}
