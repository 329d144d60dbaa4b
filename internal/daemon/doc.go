// Package daemon binds the queue store, blob store, ingest client, monitor,
// scheduler, and recovery reconciler into a single lifecycle with flock-based
// locking so only one process works the queue at a time.
package daemon
