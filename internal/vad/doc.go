// Package vad implements voice-activity segmentation of 16-bit mono PCM audio.
// It slices PCM into fixed 10/20/30 ms frames, classifies each frame as speech or
// non-speech through an injected Classifier, and runs a sliding-window trigger with
// hysteresis that emits contiguous runs of speech as segments with the silence removed.
package vad
