// Package trigger carries run requests to the daemon: a scheduler and the HTTP
// API publish Trigger messages onto a queue, and a single-worker processor
// consumes them and performs one care run per message.
package trigger
