// Package coordinator drives an intercepted request through classification,
// optional human approval and forwarding. One Handle call owns the full
// lifecycle of one request: snapshot, classify, ticket, hold, then forward or
// synthesize a denial.
package coordinator
