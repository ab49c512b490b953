// Package dispatch hands archive parts to a mail relay.
//
// Each Send carries one message; failures come back as *DispatchError and
// callers decide what to do with them. Dry runs and tests use Noop and
// Recorder instead of SMTPClient.
package dispatch
