package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

const (
	controlTypeHello    = "shell.hello"
	controlTypeHelloAck = "shell.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 128 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrHelloRejected          = errors.New("session: hello rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the peer->authority session-start payload. It is exchanged as one
// JSON line before any framed traffic.
type Hello struct {
	PeerName     string `json:"peer_name"`
	Interface    string `json:"interface"`
	Version      uint32 `json:"version"`
	SignalPrefix string `json:"signal_prefix"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.PeerName) == "" {
		return fmt.Errorf("%w: missing peer_name", ErrInvalidHello)
	}
	if strings.TrimSpace(h.Interface) == "" {
		return fmt.Errorf("%w: missing interface", ErrInvalidHello)
	}
	if h.Version == 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidHello)
	}
	if h.SignalPrefix == "" {
		return fmt.Errorf("%w: missing signal_prefix", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the authority->peer handshake response.
type HelloAck struct {
	Status       string `json:"status"`
	Code         uint32 `json:"code"`
	Message      string `json:"message"`
	ConnectionID string `json:"connection_id"`
	Version      uint32 `json:"version"`
	TimestampMS  uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted {
		if _, err := uuid.Parse(a.ConnectionID); err != nil {
			return fmt.Errorf("%w: invalid connection_id", ErrInvalidHelloAck)
		}
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

// Accepted reports whether the authority admitted the session.
func (a HelloAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

// NewConnectionID returns a fresh connection id for an accepted session.
func NewConnectionID() string {
	return uuid.NewString()
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, hello Hello) error {
	if err := hello.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeHello,
		Hello: &hello,
	})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeHelloAck,
		Ack:  &ack,
	})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return controlEnvelope{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if !isPrefix {
			break
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
