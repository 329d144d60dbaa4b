// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs. While a
// daemon is running it holds the only scheduler, so queue mutations from
// other processes must arrive here; the client dials with a short timeout so
// CLI commands fall back to direct store access quickly when no daemon is
// listening.
package ipc
