// Package sinks contains ready-made progress.Sink implementations for
// exporting pipeline progress to logs and Prometheus.
package sinks
