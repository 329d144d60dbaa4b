// Package scheduler advances queue items through their lifecycle. It is the
// only component that mutates item state: enqueue, retry, remove, and monitor
// events all funnel through its entry points under one mutex, so transitions
// are serialized even though uploads and subscriptions run concurrently.
package scheduler
