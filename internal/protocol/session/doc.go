// Package session owns the connection boundary between authority and peer.
//
// Ownership boundary:
// - Conn: ordered, reliable message delivery (in-memory Pipe, framed StreamConn)
// - hello/hello.ack control handshake
// - Loop: the single goroutine that serializes inbound dispatch and posted work
// - retry/backoff and pending-request primitives
package session
