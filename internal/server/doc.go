// Package server implements the UDP ingest server for TLV podcast streams and
// the HTTP API: monitoring endpoints, one-shot de-silencing of uploaded WAV
// files, the episode library with playable audio, and a websocket feed of
// library events.
package server
