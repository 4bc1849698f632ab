// Package progress carries the append-only crawl history: the Event type,
// a non-blocking batching Hub, and the Emitter/Sink contracts. Producers emit
// fire-and-forget; sinks persist, log, count or stream the batches.
package progress
