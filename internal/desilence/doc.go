// Package desilence runs the whole batch pipeline on a WAV recording: decode,
// convert to a classifier-friendly format, segment, and join the speech back
// together without the silences.
package desilence
