package schema

import (
	"fmt"

	"github.com/danmuck/shellsurface/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Request opcodes (peer -> authority).
const (
	MsgBind            uint32 = 1
	MsgCreateSurface   uint32 = 2
	MsgGetGeometry     uint32 = 3
	MsgGetProperty     uint32 = 4
	MsgSetProperty     uint32 = 5
	MsgRequestActivate uint32 = 6
	MsgDestroy         uint32 = 7

	// Base windowing stand-in requests.
	MsgBaseCreateSurface  uint32 = 20
	MsgBaseDestroySurface uint32 = 21
)

// Event opcodes (authority -> peer). Every event opcode is >= eventBase.
const (
	eventBase uint32 = 100

	MsgGlobal         uint32 = 100
	MsgGlobalRemove   uint32 = 101
	MsgSurfaceCreated uint32 = 102
	MsgGeometry       uint32 = 103
	MsgProperty       uint32 = 104
	MsgError          uint32 = 199
)

// Field IDs.
const (
	FieldInterface uint16 = 1
	FieldVersion   uint16 = 2

	FieldSurfaceID   uint16 = 10
	FieldBaseSurface uint16 = 11

	FieldX      uint16 = 20
	FieldY      uint16 = 21
	FieldWidth  uint16 = 22
	FieldHeight uint16 = 23

	FieldName  uint16 = 30
	FieldValue uint16 = 31

	FieldObjectID uint16 = 40
	FieldCode     uint16 = 41
	FieldMessage  uint16 = 42
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgBind: {
		{FieldInterface, tlv.TypeString},
		{FieldVersion, tlv.TypeU32},
	},
	MsgCreateSurface: {
		{FieldSurfaceID, tlv.TypeU32},
		{FieldBaseSurface, tlv.TypeU32},
	},
	MsgGetGeometry:     {},
	MsgGetProperty:     {{FieldName, tlv.TypeString}},
	MsgSetProperty:     {{FieldName, tlv.TypeString}, {FieldValue, tlv.TypeBytes}},
	MsgRequestActivate: {},
	MsgDestroy:         {},

	MsgBaseCreateSurface:  {{FieldBaseSurface, tlv.TypeU32}},
	MsgBaseDestroySurface: {{FieldBaseSurface, tlv.TypeU32}},

	MsgGlobal: {
		{FieldInterface, tlv.TypeString},
		{FieldVersion, tlv.TypeU32},
	},
	MsgGlobalRemove:   {{FieldInterface, tlv.TypeString}},
	MsgSurfaceCreated: {{FieldSurfaceID, tlv.TypeU32}},
	MsgGeometry: {
		{FieldX, tlv.TypeI32},
		{FieldY, tlv.TypeI32},
		{FieldWidth, tlv.TypeI32},
		{FieldHeight, tlv.TypeI32},
	},
	MsgProperty: {{FieldName, tlv.TypeString}, {FieldValue, tlv.TypeBytes}},
	MsgError: {
		{FieldObjectID, tlv.TypeU32},
		{FieldCode, tlv.TypeU32},
		{FieldMessage, tlv.TypeString},
	},
}

// Known reports whether messageType is part of the catalog.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// IsEvent reports whether messageType travels authority -> peer.
func IsEvent(messageType uint32) bool {
	return messageType >= eventBase
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored by design.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
