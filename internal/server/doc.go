// Package server implements the HTTP API of the recorder: starting and
// stopping recordings, browsing and downloading finished recordings,
// WebSocket capture, configuration and Prometheus metrics.
package server
