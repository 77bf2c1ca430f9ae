// Package idgen wraps the UUID generator so that it can be stubbed in tests.
// Ticket identifiers must be unguessable, so callers should treat them as
// opaque strings and never derive them from request contents.
package idgen
