// Package vstpeasy is reserved for a future typed-JSON convenience layer
// over the VSTP core (marshal a Go value to a DATA frame payload and
// back). It is named in the module layout but deliberately not built out:
// see the Non-goals in SPEC_FULL.md. Callers needing this today should
// marshal their own payloads and use internal/vstp.Frame directly.
package vstpeasy
