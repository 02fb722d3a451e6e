// Package eventbus defines the shared domain-event model used by the typed
// publish/subscribe bus and the reliable-delivery outbox.
//
// The bus subpackage validates payloads against registered schemas and fans
// events out to in-process subscribers; the outbox subpackage persists
// reliably-emitted events and redelivers them with bounded retry across
// process restarts. Storage adapters live under outbox/{memory,postgres,mongodb},
// and the idempotency subpackage guards side effects against duplicate
// delivery.
package eventbus
