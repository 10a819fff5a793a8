// Package protocol owns the shell sub-protocol message catalog.
//
// Ownership boundary:
// - typed request/event structs and their field layout
// - protocol error codes and the fatal ProtocolError
// - message <-> frame conversion
//
// Field layout lives in schema; framing in frame; field encoding in tlv.
package protocol
