package protocol

import (
	"fmt"

	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/protocol/tlv"
	"github.com/danmuck/shellsurface/internal/value"
)

// Bind asks the authority to bind the advertised shell manager global.
type Bind struct {
	Interface string
	Version   uint32
}

func (m Bind) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgBind,
		Fields: []tlv.Field{
			tlv.String(schema.FieldInterface, m.Interface),
			tlv.U32(schema.FieldVersion, m.Version),
		},
	}
}

func DecodeBind(msg Message) (Bind, error) {
	if err := expect(msg, schema.MsgBind); err != nil {
		return Bind{}, err
	}
	version, err := fieldU32(msg, schema.FieldVersion)
	if err != nil {
		return Bind{}, err
	}
	return Bind{Interface: fieldString(msg, schema.FieldInterface), Version: version}, nil
}

// CreateSurface requests shell surface ID for base surface BaseSurface.
// The peer chooses ID; the authority validates it.
type CreateSurface struct {
	ID          uint32
	BaseSurface uint32
}

func (m CreateSurface) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgCreateSurface,
		Fields: []tlv.Field{
			tlv.U32(schema.FieldSurfaceID, m.ID),
			tlv.U32(schema.FieldBaseSurface, m.BaseSurface),
		},
	}
}

func DecodeCreateSurface(msg Message) (CreateSurface, error) {
	if err := expect(msg, schema.MsgCreateSurface); err != nil {
		return CreateSurface{}, err
	}
	id, err := fieldU32(msg, schema.FieldSurfaceID)
	if err != nil {
		return CreateSurface{}, err
	}
	base, err := fieldU32(msg, schema.FieldBaseSurface)
	if err != nil {
		return CreateSurface{}, err
	}
	return CreateSurface{ID: id, BaseSurface: base}, nil
}

// GetGeometry asks for the stored geometry. The answer, if any, is a later
// Geometry event.
type GetGeometry struct {
	ID uint32
}

func (m GetGeometry) Message() Message {
	return Message{ObjectID: m.ID, Opcode: schema.MsgGetGeometry}
}

func DecodeGetGeometry(msg Message) (GetGeometry, error) {
	if err := expect(msg, schema.MsgGetGeometry); err != nil {
		return GetGeometry{}, err
	}
	return GetGeometry{ID: msg.ObjectID}, nil
}

// GetProperty asks for a stored property. The answer is a later Property event.
type GetProperty struct {
	ID   uint32
	Name string
}

func (m GetProperty) Message() Message {
	return Message{
		ObjectID: m.ID,
		Opcode:   schema.MsgGetProperty,
		Fields:   []tlv.Field{tlv.String(schema.FieldName, m.Name)},
	}
}

func DecodeGetProperty(msg Message) (GetProperty, error) {
	if err := expect(msg, schema.MsgGetProperty); err != nil {
		return GetProperty{}, err
	}
	return GetProperty{ID: msg.ObjectID, Name: fieldString(msg, schema.FieldName)}, nil
}

// SetProperty carries a name and an encoded value. Names with the signal
// prefix are one-shot notifications rather than stored properties.
type SetProperty struct {
	ID      uint32
	Name    string
	Payload []byte
}

// NewSetProperty encodes v into a SetProperty request.
func NewSetProperty(id uint32, name string, v value.Value) (SetProperty, error) {
	payload, err := value.Encode(v)
	if err != nil {
		return SetProperty{}, err
	}
	return SetProperty{ID: id, Name: name, Payload: payload}, nil
}

func (m SetProperty) Message() Message {
	return Message{
		ObjectID: m.ID,
		Opcode:   schema.MsgSetProperty,
		Fields: []tlv.Field{
			tlv.String(schema.FieldName, m.Name),
			tlv.Bytes(schema.FieldValue, m.Payload),
		},
	}
}

// Value decodes the payload. Failures wrap value.ErrMalformedPayload.
func (m SetProperty) Value() (value.Value, error) {
	return value.Decode(m.Payload)
}

func DecodeSetProperty(msg Message) (SetProperty, error) {
	if err := expect(msg, schema.MsgSetProperty); err != nil {
		return SetProperty{}, err
	}
	return SetProperty{
		ID:      msg.ObjectID,
		Name:    fieldString(msg, schema.FieldName),
		Payload: fieldBytes(msg, schema.FieldValue),
	}, nil
}

type RequestActivate struct {
	ID uint32
}

func (m RequestActivate) Message() Message {
	return Message{ObjectID: m.ID, Opcode: schema.MsgRequestActivate}
}

func DecodeRequestActivate(msg Message) (RequestActivate, error) {
	if err := expect(msg, schema.MsgRequestActivate); err != nil {
		return RequestActivate{}, err
	}
	return RequestActivate{ID: msg.ObjectID}, nil
}

type Destroy struct {
	ID uint32
}

func (m Destroy) Message() Message {
	return Message{ObjectID: m.ID, Opcode: schema.MsgDestroy}
}

func DecodeDestroy(msg Message) (Destroy, error) {
	if err := expect(msg, schema.MsgDestroy); err != nil {
		return Destroy{}, err
	}
	return Destroy{ID: msg.ObjectID}, nil
}

// BaseCreateSurface and BaseDestroySurface stand in for the base windowing
// transport's own surface lifecycle.
type BaseCreateSurface struct {
	BaseSurface uint32
}

func (m BaseCreateSurface) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgBaseCreateSurface,
		Fields:   []tlv.Field{tlv.U32(schema.FieldBaseSurface, m.BaseSurface)},
	}
}

func DecodeBaseCreateSurface(msg Message) (BaseCreateSurface, error) {
	if err := expect(msg, schema.MsgBaseCreateSurface); err != nil {
		return BaseCreateSurface{}, err
	}
	base, err := fieldU32(msg, schema.FieldBaseSurface)
	if err != nil {
		return BaseCreateSurface{}, err
	}
	return BaseCreateSurface{BaseSurface: base}, nil
}

type BaseDestroySurface struct {
	BaseSurface uint32
}

func (m BaseDestroySurface) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgBaseDestroySurface,
		Fields:   []tlv.Field{tlv.U32(schema.FieldBaseSurface, m.BaseSurface)},
	}
}

func DecodeBaseDestroySurface(msg Message) (BaseDestroySurface, error) {
	if err := expect(msg, schema.MsgBaseDestroySurface); err != nil {
		return BaseDestroySurface{}, err
	}
	base, err := fieldU32(msg, schema.FieldBaseSurface)
	if err != nil {
		return BaseDestroySurface{}, err
	}
	return BaseDestroySurface{BaseSurface: base}, nil
}

// Global advertises the shell manager capability.
type Global struct {
	Interface string
	Version   uint32
}

func (m Global) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgGlobal,
		Fields: []tlv.Field{
			tlv.String(schema.FieldInterface, m.Interface),
			tlv.U32(schema.FieldVersion, m.Version),
		},
	}
}

func DecodeGlobal(msg Message) (Global, error) {
	if err := expect(msg, schema.MsgGlobal); err != nil {
		return Global{}, err
	}
	version, err := fieldU32(msg, schema.FieldVersion)
	if err != nil {
		return Global{}, err
	}
	return Global{Interface: fieldString(msg, schema.FieldInterface), Version: version}, nil
}

type GlobalRemove struct {
	Interface string
}

func (m GlobalRemove) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgGlobalRemove,
		Fields:   []tlv.Field{tlv.String(schema.FieldInterface, m.Interface)},
	}
}

func DecodeGlobalRemove(msg Message) (GlobalRemove, error) {
	if err := expect(msg, schema.MsgGlobalRemove); err != nil {
		return GlobalRemove{}, err
	}
	return GlobalRemove{Interface: fieldString(msg, schema.FieldInterface)}, nil
}

// SurfaceCreated confirms a CreateSurface request.
type SurfaceCreated struct {
	ID uint32
}

func (m SurfaceCreated) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgSurfaceCreated,
		Fields:   []tlv.Field{tlv.U32(schema.FieldSurfaceID, m.ID)},
	}
}

func DecodeSurfaceCreated(msg Message) (SurfaceCreated, error) {
	if err := expect(msg, schema.MsgSurfaceCreated); err != nil {
		return SurfaceCreated{}, err
	}
	id, err := fieldU32(msg, schema.FieldSurfaceID)
	if err != nil {
		return SurfaceCreated{}, err
	}
	return SurfaceCreated{ID: id}, nil
}

type Geometry struct {
	ID   uint32
	Rect Rect
}

func (m Geometry) Message() Message {
	return Message{
		ObjectID: m.ID,
		Opcode:   schema.MsgGeometry,
		Fields: []tlv.Field{
			tlv.I32(schema.FieldX, m.Rect.X),
			tlv.I32(schema.FieldY, m.Rect.Y),
			tlv.I32(schema.FieldWidth, m.Rect.Width),
			tlv.I32(schema.FieldHeight, m.Rect.Height),
		},
	}
}

func DecodeGeometry(msg Message) (Geometry, error) {
	if err := expect(msg, schema.MsgGeometry); err != nil {
		return Geometry{}, err
	}
	var r Rect
	for _, dst := range []struct {
		id  uint16
		out *int32
	}{
		{schema.FieldX, &r.X},
		{schema.FieldY, &r.Y},
		{schema.FieldWidth, &r.Width},
		{schema.FieldHeight, &r.Height},
	} {
		v, err := fieldI32(msg, dst.id)
		if err != nil {
			return Geometry{}, err
		}
		*dst.out = v
	}
	return Geometry{ID: msg.ObjectID, Rect: r}, nil
}

// Property reports a stored value, echoes an accepted set, or carries an
// authority-originated signal.
type Property struct {
	ID      uint32
	Name    string
	Payload []byte
}

// NewProperty encodes v into a Property event.
func NewProperty(id uint32, name string, v value.Value) (Property, error) {
	payload, err := value.Encode(v)
	if err != nil {
		return Property{}, err
	}
	return Property{ID: id, Name: name, Payload: payload}, nil
}

func (m Property) Message() Message {
	return Message{
		ObjectID: m.ID,
		Opcode:   schema.MsgProperty,
		Fields: []tlv.Field{
			tlv.String(schema.FieldName, m.Name),
			tlv.Bytes(schema.FieldValue, m.Payload),
		},
	}
}

func (m Property) Value() (value.Value, error) {
	return value.Decode(m.Payload)
}

func DecodeProperty(msg Message) (Property, error) {
	if err := expect(msg, schema.MsgProperty); err != nil {
		return Property{}, err
	}
	return Property{
		ID:      msg.ObjectID,
		Name:    fieldString(msg, schema.FieldName),
		Payload: fieldBytes(msg, schema.FieldValue),
	}, nil
}

// Error is the fatal error event. The sender closes the connection after it.
type Error struct {
	ObjectID uint32
	Code     uint32
	Reason   string
}

func (m Error) Message() Message {
	return Message{
		ObjectID: ManagerObject,
		Opcode:   schema.MsgError,
		Fields: []tlv.Field{
			tlv.U32(schema.FieldObjectID, m.ObjectID),
			tlv.U32(schema.FieldCode, m.Code),
			tlv.String(schema.FieldMessage, m.Reason),
		},
	}
}

// Err converts the event into the matching ProtocolError.
func (m Error) Err() *ProtocolError {
	return &ProtocolError{ObjectID: m.ObjectID, Code: m.Code, Message: m.Reason}
}

func DecodeError(msg Message) (Error, error) {
	if err := expect(msg, schema.MsgError); err != nil {
		return Error{}, err
	}
	objectID, err := fieldU32(msg, schema.FieldObjectID)
	if err != nil {
		return Error{}, err
	}
	code, err := fieldU32(msg, schema.FieldCode)
	if err != nil {
		return Error{}, err
	}
	return Error{ObjectID: objectID, Code: code, Reason: fieldString(msg, schema.FieldMessage)}, nil
}

func expect(msg Message, opcode uint32) error {
	if msg.Opcode != opcode {
		return fmt.Errorf(
			"%w: got %s want %s",
			ErrMessageTypeMismatch,
			OpcodeName(msg.Opcode),
			OpcodeName(opcode),
		)
	}
	return schema.Validate(opcode, msg.Fields)
}

// Field accessors below run after schema.Validate confirmed presence and type.

func fieldString(msg Message, id uint16) string {
	f, _ := tlv.GetField(msg.Fields, id)
	return string(f.Value)
}

func fieldBytes(msg Message, id uint16) []byte {
	f, _ := tlv.GetField(msg.Fields, id)
	out := make([]byte, len(f.Value))
	copy(out, f.Value)
	return out
}

func fieldU32(msg Message, id uint16) (uint32, error) {
	f, _ := tlv.GetField(msg.Fields, id)
	v, err := f.U32()
	if err != nil {
		return 0, fmt.Errorf("%w: %s field=%d: %v", ErrInvalidField, OpcodeName(msg.Opcode), id, err)
	}
	return v, nil
}

func fieldI32(msg Message, id uint16) (int32, error) {
	f, _ := tlv.GetField(msg.Fields, id)
	v, err := f.I32()
	if err != nil {
		return 0, fmt.Errorf("%w: %s field=%d: %v", ErrInvalidField, OpcodeName(msg.Opcode), id, err)
	}
	return v, nil
}
