// Package mcp connects to tool servers: helper processes that speak the
// Model Context Protocol (JSON-RPC 2.0, newline-delimited) over their
// standard streams.
//
// The layers, leaf first:
//
//   - [StdioTransport] owns one child process, writes one JSON object
//     per line to its stdin, and splits its stdout back into messages.
//   - A correlator inside [Conn] pairs responses with pending requests
//     by id and enforces per-request deadlines.
//   - [Conn] runs the initialize → notifications/initialized handshake
//     and exposes tools/list and tools/call once Ready.
//   - [Manager] maps server names to connections, collapses concurrent
//     connection attempts for the same server into one, and evicts
//     failed connections so the next caller retries.
//   - [Catalog] flattens discovered tools across servers for a tool
//     selection layer.
//
// A request that times out kills its server process. Every other
// request pending on that connection fails with [ErrClosed].
package mcp
