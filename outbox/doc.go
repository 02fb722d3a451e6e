// Package outbox provides reliable at-least-once delivery primitives.
//
// It includes the durable entry model with a validated status lifecycle, the
// storage contract with atomic claim semantics, a polling worker with
// jittered exponential backoff and dead-lettering, and the dead-letter queue
// administration surface. Storage adapters live in the subpackages.
package outbox
