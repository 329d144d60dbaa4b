// Package monitor tracks server-side processing for uploaded items over two
// channels: a push subscription per processing item and one shared polling
// loop as fallback. Both channels feed the same normalization function, so
// whichever reports a terminal status first wins and later duplicates are
// ignored.
package monitor
