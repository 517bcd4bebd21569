// Package broadcast implements the WebSocket fan-out using the actor pattern.
//
// A single goroutine owns the connection registry and consumes a command channel
// (no mutexes), so register/unregister can never race a publish iteration.
// Per-connection write goroutines with bounded buffers keep one slow client from
// stalling delivery to the others.
package broadcast
