// Package main hosts the parcel CLI entrypoint and command graph.
//
// The Cobra-based command tree runs the daemon loop, packages and splits
// directories on demand, rejoins parts, sends files through the configured
// relay, and scaffolds configuration. It centralizes configuration resolution
// and logger setup so subcommands can focus on output.
//
// Keep this package lean: add functionality to the internal packages first,
// then surface it through dedicated commands or flags here.
package main
