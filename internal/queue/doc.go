// Package queue defines the persisted upload queue model and its SQLite
// store. Items move through a small state machine (queued, uploading,
// processing, then a terminal or failure-family status); every mutation is
// persisted before the triggering action is considered complete.
package queue
