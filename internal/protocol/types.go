package protocol

import (
	"fmt"

	"github.com/danmuck/shellsurface/internal/protocol/schema"
	"github.com/danmuck/shellsurface/internal/protocol/tlv"
)

const (
	// ManagerObject addresses the per-connection shell manager.
	ManagerObject uint32 = 0

	// Interface is the global name advertised by the authority.
	Interface = "dde_shell_manager_v1"

	InterfaceVersion uint32 = 1

	// Role is the tag assigned to base surfaces that become shell surfaces.
	Role = "dde-shell-surface"
)

// Message is one decoded request or event addressed to an object.
type Message struct {
	ObjectID uint32
	Opcode   uint32
	Fields   []tlv.Field
}

// IsEvent reports whether m travels authority -> peer.
func (m Message) IsEvent() bool {
	return schema.IsEvent(m.Opcode)
}

// Name returns the catalog name of m's opcode.
func (m Message) Name() string {
	return OpcodeName(m.Opcode)
}

func (m Message) String() string {
	return fmt.Sprintf("%s object=%d fields=%d", m.Name(), m.ObjectID, len(m.Fields))
}

// Rect is a surface geometry in compositor coordinates.
type Rect struct {
	X      int32 `json:"x" toml:"x"`
	Y      int32 `json:"y" toml:"y"`
	Width  int32 `json:"width" toml:"width"`
	Height int32 `json:"height" toml:"height"`
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

var opcodeNames = map[uint32]string{
	schema.MsgBind:               "bind",
	schema.MsgCreateSurface:      "create_surface",
	schema.MsgGetGeometry:        "get_geometry",
	schema.MsgGetProperty:        "get_property",
	schema.MsgSetProperty:        "set_property",
	schema.MsgRequestActivate:    "request_activate",
	schema.MsgDestroy:            "destroy",
	schema.MsgBaseCreateSurface:  "base_create_surface",
	schema.MsgBaseDestroySurface: "base_destroy_surface",
	schema.MsgGlobal:             "global",
	schema.MsgGlobalRemove:       "global_remove",
	schema.MsgSurfaceCreated:     "surface_created",
	schema.MsgGeometry:           "geometry",
	schema.MsgProperty:           "property",
	schema.MsgError:              "error",
}

// OpcodeName returns the catalog name for opcode, or "opcode(N)" if unknown.
func OpcodeName(opcode uint32) string {
	if name, ok := opcodeNames[opcode]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", opcode)
}
