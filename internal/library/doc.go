// Package library stores de-silenced episodes on disk. Each episode is a mono
// 16-bit WAV file next to a JSON metadata file, both named by the episode's
// UUID. Subscribers receive an event whenever an episode is added or removed.
package library
