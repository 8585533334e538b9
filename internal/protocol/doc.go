// Package protocol implements the TLV-over-UDP packet format used to stream a
// recording into the service: a Start packet announcing the episode, numbered
// Audio packets carrying PCM, and an End packet.
package protocol
