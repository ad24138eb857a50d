// Package api exposes the daemon's HTTP surface: health, Prometheus metrics,
// manual run triggers and the outcome of the last run.
package api
