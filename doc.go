// Package mcp implements the session layer of a Model Context Protocol (MCP) style server that is
// reached over Server-Sent Events (SSE). A client opens a long-lived event stream, receives a
// connection identifier, and then posts commands over plain HTTP that are correlated back to the
// stream they address.
//
// The package is built around three pieces:
//
//   - SessionRegistry tracks every open stream, its identifier and whether its handshake has
//     completed.
//   - SSEServer exposes HandleSSE and HandleMessage http.Handlers. HandleSSE registers a session and
//     keeps the stream open, HandleMessage validates a command, acknowledges it immediately and runs
//     it in the background, writing the result onto the addressed stream.
//   - CapabilityRouter maps a command to a registered tool or prompt and normalises the outcome into
//     an Envelope. ToolRouter is the implementation used by the servers in this module.
//
// SSEClient is the matching client: it subscribes to a stream, waits for readiness and posts
// commands, reading results back from the stream.
package mcp
