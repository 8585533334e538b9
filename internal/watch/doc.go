// Package watch turns an inbox directory into a processing queue: WAV files
// dropped there are de-silenced with a bounded number of concurrent jobs and
// saved to the episode library.
package watch
