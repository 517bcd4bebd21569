// Package server implements the HTTP surface using Echo framework.
//
// Routes: /api/v1/ws (persistent WebSocket connection), /health and
// /health/live (liveness), /metrics (Prometheus), /version (build info).
// The WebSocket handler owns the per-connection lifecycle: upgrade, register
// with the broadcaster, read pump, unregister on every exit path.
package server
