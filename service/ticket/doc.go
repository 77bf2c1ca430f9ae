// Package ticket implements the approval ticket store. A ticket records one
// intercepted request that requires human review, its lifecycle state and the
// eventual decision. Resolution is a compare-and-swap from pending to a
// terminal state, so exactly one concurrent decision wins.
package ticket
