// Package notifier delivers live announcements to the configured chats.
//
// Announce renders one message per target and enqueues it; a small worker
// pool drains the queue through a token-bucket limiter, retries with jittered
// exponential backoff and wraps every send in a circuit breaker. Each outcome
// is recorded in the store and published on the event bus.
package notifier
