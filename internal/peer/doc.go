// Package peer implements the client role of the shell protocol.
//
// A Manager mirrors the authority's surface state for one connection.
// Reads are served from the local cache; a miss sends one get request and
// returns the invalid placeholder until the answering event arrives.
// Window registration waits on the availability gate until the authority
// advertises the manager global.
//
// Manager and Surface hold no locks. Drive them from a session.Loop, or
// use Client, which owns one.
package peer
