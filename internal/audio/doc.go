// Package audio handles WAV input and output, format conversion to the rates the
// voice classifier accepts, and sequence-reordering buffers for PCM that arrives
// in network packets.
package audio
