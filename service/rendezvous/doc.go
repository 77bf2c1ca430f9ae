// Package rendezvous bridges the proxy to the external approval application.
// It publishes ticket-created events and receives ticket decisions over a
// transport-agnostic channel. Delivery is at-least-once in both directions;
// decisions are idempotent by ticket id, so duplicates collapse against the
// ticket store's single-winner resolution.
package rendezvous
