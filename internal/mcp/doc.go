// Package mcp drives a browser-automation worker process over
// newline-delimited JSON-RPC 2.0 on its stdin/stdout.
//
// [StdioTransport] owns the child process and frames lines in both
// directions. [Session] sits on top of it: it performs the
// initialize / notifications/initialized handshake, loads the worker's
// tool list into a [Registry], and correlates concurrent tools/call
// requests with their responses by numeric ID.
//
// The wire format follows the Model Context Protocol's stdio transport,
// but only the host side of the handful of methods the worker needs is
// implemented.
package mcp
