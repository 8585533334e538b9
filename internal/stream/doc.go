// Package stream manages live TLV audio streams. Each session reorders
// packets, slices them into frames and runs its own segment collector, so
// speech is cut while the stream is still arriving. Ended or idle sessions
// are flushed and saved as library episodes.
package stream
