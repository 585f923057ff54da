// Package mcp implements the server side of the Model Context Protocol (MCP) used by the odai
// service. It provides the JSON-RPC 2.0 message types, a Server that dispatches protocol requests
// to ResourceServer and ToolServer implementations, and two transports: StdIO, which serves a
// single implicit session over a line-delimited stream, and SSEServer, which multiplexes many
// concurrent sessions over Server-Sent Events and HTTP POST.
//
// SSEServer owns a session table keyed by session ID. A GET on its endpoint establishes a
// session and announces the session ID as the first event of the stream. A POST carrying the
// session ID routes one client message to that session and completes once the server has
// written the matching response. Sessions are torn down exactly once, whether the client
// disconnects, the transport fails, or the server shuts down.
//
// RateLimiter and the RateLimit middleware provide fixed-window admission control per client
// address, applied in front of the SSE endpoint.
package mcp
