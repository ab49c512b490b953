// Package notifications delivers pipeline events via ntfy.
//
// The default implementation publishes to the ntfy topic configured in
// config.toml and degrades to a no-op when none is set. Event types cover
// failed cycles, finished deliveries, and failed reclaims, each gated by the
// delivery and errors switches.
package notifications
