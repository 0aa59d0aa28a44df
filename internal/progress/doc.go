// Package progress carries per-item outcomes from the phase queues to
// pluggable sinks. Phases emit without blocking; a background goroutine
// batches events and hands each batch to every sink.
package progress
