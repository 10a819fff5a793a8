package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/shellsurface/internal/protocol/frame"
	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/protocol/tlv"
)

var ErrDirectionMismatch = errors.New("protocol: event flag does not match opcode")

// Encoder is implemented by every typed message in the catalog.
type Encoder interface {
	Message() Message
}

// EncodeFrame builds the wire frame for msg. The event flag follows the opcode.
func EncodeFrame(seq uint64, msg Message) frame.Frame {
	var flags uint32
	if msg.IsEvent() {
		flags |= frame.FlagEvent
	}
	if msg.Opcode == schema.MsgError {
		flags |= frame.FlagFatal
	}
	return frame.Frame{
		Header: frame.Header{
			Sequence: seq,
			ObjectID: msg.ObjectID,
			Opcode:   msg.Opcode,
			Flags:    flags,
		},
		Payload: tlv.EncodeFields(msg.Fields),
	}
}

// DecodeFrame converts a frame into a Message. Field semantics are checked
// later by the typed decoders.
func DecodeFrame(f frame.Frame) (Message, error) {
	event := f.Header.Flags&frame.FlagEvent != 0
	if event != schema.IsEvent(f.Header.Opcode) {
		return Message{}, fmt.Errorf(
			"%w: opcode=%s flags=%#x",
			ErrDirectionMismatch,
			OpcodeName(f.Header.Opcode),
			f.Header.Flags,
		)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ObjectID: f.Header.ObjectID, Opcode: f.Header.Opcode, Fields: fields}, nil
}

// WriteMessage writes msg as one frame.
func WriteMessage(w io.Writer, seq uint64, msg Message, limits frame.Limits) error {
	return frame.WriteFrame(w, EncodeFrame(seq, msg), limits)
}

// ReadMessage reads one frame and returns its message and sequence number.
func ReadMessage(r io.Reader, limits frame.Limits) (Message, uint64, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Message{}, 0, err
	}
	msg, err := DecodeFrame(f)
	if err != nil {
		return Message{}, f.Header.Sequence, err
	}
	return msg, f.Header.Sequence, nil
}
