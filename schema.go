package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/qri-io/jsonschema"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol, such as command ids. It handles automatic conversion during JSON marshaling/unmarshaling.
type MustString string

// Command is a client-submitted instruction addressed to an open session. The session itself is
// named out of band (the connectionId query parameter), so the command only carries what to run.
type Command struct {
	// ID correlates the command with the message later written onto the stream.
	ID MustString `json:"id,omitempty"`
	// Type is "request" for commands sent by clients.
	Type string `json:"type,omitempty"`
	// Method selects the kind of command, see the Method constants.
	Method string `json:"method"`
	// Params names the tool or prompt and carries its arguments.
	Params CommandParams `json:"params"`
}

// CommandParams contains the target name and the argument mapping of a Command.
type CommandParams struct {
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Envelope is the normalised result of a command, delivered as a discrete message on the stream.
// IsError indicates whether the command failed, with details in Content.
type Envelope struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// StreamMessage wraps an Envelope with the id of the command that produced it.
type StreamMessage struct {
	ID     MustString `json:"id,omitempty"`
	Type   string     `json:"type"`
	Result Envelope   `json:"result"`
}

// Acknowledgement is the synchronous answer to an accepted command.
type Acknowledgement struct {
	Received bool `json:"received"`
}

// ErrorResponse is the JSON body of every non-2xx response produced by this module.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// ConnectionEvent is the payload of the first event written on a new stream.
type ConnectionEvent struct {
	ConnectionID string `json:"connectionId"`
}

// ReadyEvent is the payload of the event written once a session accepts commands.
type ReadyEvent struct {
	Status string `json:"status"`
}

// Info contains metadata about a server instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of the arguments of a callTool command.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// ListToolsResult is the JSON text of the envelope answering a listTools command.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsResult is the JSON text of the envelope answering a listPrompts command.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// GetPromptResult represents the result of a getPrompt command.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

const (
	// MethodCallTool invokes a registered tool.
	MethodCallTool = "callTool"
	// MethodListTools lists the registered tools.
	MethodListTools = "listTools"
	// MethodListPrompts lists the registered prompts.
	MethodListPrompts = "listPrompts"
	// MethodGetPrompt renders a registered prompt.
	MethodGetPrompt = "getPrompt"
	// MethodPing answers with "pong".
	MethodPing = "ping"

	// EventConnection is the SSE event type carrying the connection id.
	EventConnection = "connection"
	// EventReady is the SSE event type announcing that commands are accepted.
	EventReady = "ready"
	// EventMessage is the SSE event type carrying a StreamMessage.
	EventMessage = "message"

	// CommandTypeRequest is the Type of commands sent by clients.
	CommandTypeRequest = "request"
	// MessageTypeResponse is the Type of StreamMessages written by the server.
	MessageTypeResponse = "response"

	// RoleUser is the user role of a prompt message.
	RoleUser Role = "user"
	// RoleAssistant is the assistant role of a prompt message.
	RoleAssistant Role = "assistant"

	// ContentTypeText marks textual content.
	ContentTypeText ContentType = "text"
)

var methodAliases = map[string]string{
	"tools/call":   MethodCallTool,
	"tools/list":   MethodListTools,
	"prompts/list": MethodListPrompts,
	"prompts/get":  MethodGetPrompt,
}

// TextEnvelope returns a successful envelope holding a single text content.
func TextEnvelope(text string) Envelope {
	return Envelope{
		Content: []Content{{Type: ContentTypeText, Text: text}},
	}
}

// ErrorEnvelope returns a failed envelope whose text describes the failure.
func ErrorEnvelope(text string) Envelope {
	return Envelope{
		Content: []Content{{Type: ContentTypeText, Text: text}},
		IsError: true,
	}
}

// Text returns the concatenated text contents of the envelope.
func (e Envelope) Text() string {
	var sb strings.Builder
	for _, c := range e.Content {
		if c.Type != ContentTypeText {
			continue
		}
		sb.WriteString(c.Text)
	}
	return sb.String()
}

// normalize resolves method aliases and checks that the command can be routed at all. Unknown tool or
// prompt names are left to the router, which answers them on the stream.
func (c Command) normalize() (Command, error) {
	method := strings.TrimSpace(c.Method)
	if alias, ok := methodAliases[method]; ok {
		method = alias
	}
	c.Method = method

	switch method {
	case MethodCallTool, MethodGetPrompt:
		if strings.TrimSpace(c.Params.Name) == "" {
			return Command{}, fmt.Errorf("%w: %s requires params.name", ErrInvalidArgument, method)
		}
	case MethodListTools, MethodListPrompts, MethodPing:
	case "":
		return Command{}, fmt.Errorf("%w: missing method", ErrInvalidArgument)
	default:
		return Command{}, fmt.Errorf("%w: unsupported method %q", ErrInvalidArgument, method)
	}
	if c.Type != "" && c.Type != CommandTypeRequest {
		return Command{}, fmt.Errorf("%w: unsupported message type %q", ErrInvalidArgument, c.Type)
	}

	return c, nil
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(strconv.FormatFloat(v, 'f', -1, 64))
	case nil:
		*m = ""
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}
