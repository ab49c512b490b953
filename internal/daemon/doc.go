// Package daemon runs the long-lived parcel process.
//
// A Daemon holds a flock on <log_dir>/parcel.lock so only one instance runs,
// then wakes at every minute boundary to start due packaging cycles and fire
// due delivery parts. It optionally serves Prometheus metrics, and on stop it
// waits for running cycles and in-flight sends before releasing the lock.
//
// Packaging and delivery logic lives in the pipeline and delivery packages;
// the daemon only owns lifecycle and timing.
package daemon
