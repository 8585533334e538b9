// Package notify posts library events to a webhook endpoint. Deliveries run
// concurrently up to a limit and retry transient failures with exponential
// backoff.
package notify
