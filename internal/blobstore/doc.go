// Package blobstore persists raw file bytes on disk, keyed by queue item
// identifier. A missing blob is a normal outcome for callers, not an error:
// local storage can lose bytes independently of the queue database.
package blobstore
