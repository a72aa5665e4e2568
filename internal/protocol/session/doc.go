// Package session owns client<->host session primitives shared by the
// transport, agent runtime and lifecycle controller.
//
// Ownership boundary:
// - session timeouts, tick budget and fallback policy
// - connect retry backoff
// - the outbound FIFO and its per-agent pending table
package session
