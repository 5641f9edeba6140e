package mcp

import (
	"context"
)

// CapabilityRouter executes a command on behalf of a session. Implementations must never fail past
// this boundary: unknown names, failing capabilities and panics are reported through the returned
// Envelope with IsError set.
//
// Route is called from its own goroutine for every accepted command, so implementations must be safe
// for concurrent use. The context is cancelled when the command times out or the server shuts down.
type CapabilityRouter interface {
	Route(ctx context.Context, cmd Command) Envelope
}

// ToolHandler runs a tool with the arguments of a callTool command and returns its textual result.
// A returned error is reported to the session as a failed Envelope carrying the error text.
type ToolHandler func(ctx context.Context, arguments map[string]any) (string, error)

// PromptHandler renders a prompt with the arguments of a getPrompt command.
type PromptHandler func(ctx context.Context, arguments map[string]any) (GetPromptResult, error)

// RouterFunc adapts an ordinary function to the CapabilityRouter interface.
type RouterFunc func(ctx context.Context, cmd Command) Envelope

// Route implements CapabilityRouter.
func (f RouterFunc) Route(ctx context.Context, cmd Command) Envelope {
	return f(ctx, cmd)
}
