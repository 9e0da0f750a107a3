// Package session owns per-connection stream helpers for the queue framing protocol.
//
// Ownership boundary:
// - exact-count reads over a byte stream (Reader)
// - connection-level error classification
// - transport timeouts and reconnect backoff
package session
