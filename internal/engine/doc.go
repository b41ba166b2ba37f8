// Package engine implements the stepsync progress synchronization engine.
//
// The engine keeps an optimistic, in-memory copy of every session it has
// touched and persists changes to a backing store in the background.
//
// ARCHITECTURE:
//
// Optimistic Cache:
// Every mutation is applied to the cache synchronously and returned to the
// caller before any I/O happens. Readers never wait for the backing store
// once a session is cached.
//
// Auto-Save Scheduler:
// Mutations mark (phase, step) pairs dirty and (re)arm a per-session debounce
// timer. When the timer fires, the current cached state of every dirty step
// is written through the Gateway. Many rapid updates collapse into one save.
//
// Retry Queue:
// A failed save leaves the cache untouched and schedules a retry with linear
// backoff (BaseDelay * attempt). After MaxRetries retries the batch is dropped
// and logged; the cache keeps the optimistic state.
//
// Subscription Relay:
// Push notifications from the backing store are normalized, written into the
// cache, and fanned out to local listeners. One gateway subscription is held
// per session regardless of the number of local listeners.
//
// LOCK ORDER:
//
// Engine.mu is taken before the debouncer, retry queue, relay, and cache
// locks. Timer callbacks never run while any of those inner locks is held.
package engine
