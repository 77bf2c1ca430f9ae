// Package agentsitter supervises the outbound HTTP(S) traffic of autonomous
// agents. It terminates TLS with a local certificate authority, classifies
// every decrypted request, and parks risky ones behind approval tickets that
// a human decides out of band; approved requests are replayed upstream
// exactly once, everything else is denied with a machine-readable marker.
package agentsitter
