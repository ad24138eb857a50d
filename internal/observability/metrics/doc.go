// Package metrics exposes Prometheus collectors for care runs and the daemon
// HTTP surface.
package metrics
