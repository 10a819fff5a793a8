// Package wl is a minimal stand-in for the base windowing transport the
// shell protocol extends: base surface handles with a one-time role and a
// destroy notification on the authority side, and window handles plus object
// id allocation on the peer side.
//
// Nothing in wl is safe for concurrent use; each value belongs to the
// connection loop that created it.
package wl
