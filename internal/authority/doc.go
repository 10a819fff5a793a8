// Package authority implements the server role of the shell protocol.
//
// Ownership boundary:
// - Registry: per-connection surface ids, role assignment, canonical state
// - Surface: geometry and property state, authority-originated updates
// - Service: listener, hello handshake, one loop per connection, admin HTTP
package authority
