// Package sinks implements history consumers: the durable store sink, a zap
// log mirror, Prometheus counters and a channel stream for live observers.
package sinks
