// Package concierge assembles a running coven-concierge instance.
//
// New turns a loaded configuration into a Service: the SQLite store, the
// per-workspace flow tables, the customer locker (in-process, or Redis when
// redis.enabled is set), the notifier fan-out (in-process broadcaster plus
// NATS when nats.enabled is set), metrics, tracing, the human queue and the
// conversation engine. Resolving a queue entry resets the customer's
// session through the engine.
//
// Serve runs the HTTP API and the expired-lock sweeper until its context is
// cancelled, then shuts the server down and closes every backend.
package concierge
