package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ToolRouter is a CapabilityRouter backed by a fixed set of registered tools and prompts.
// Registration is expected to happen before the router serves commands, but it is safe at any time.
type ToolRouter struct {
	logger *slog.Logger

	mu      sync.RWMutex
	tools   map[string]registeredTool
	prompts map[string]registeredPrompt
}

// ToolRouterOption represents the options for the ToolRouter.
type ToolRouterOption func(*ToolRouter)

type registeredTool struct {
	tool    Tool
	handler ToolHandler
}

type registeredPrompt struct {
	prompt  Prompt
	handler PromptHandler
}

// NewToolRouter creates a router without any tool or prompt.
func NewToolRouter(options ...ToolRouterOption) *ToolRouter {
	r := &ToolRouter{
		logger:  slog.Default(),
		tools:   make(map[string]registeredTool),
		prompts: make(map[string]registeredPrompt),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithToolRouterLogger sets the logger used to report recovered handler panics.
func WithToolRouterLogger(logger *slog.Logger) ToolRouterOption {
	return func(r *ToolRouter) {
		r.logger = logger
	}
}

// RegisterTool makes tool invocable by name. Registering a name twice replaces the previous tool.
func (r *ToolRouter) RegisterTool(tool Tool, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
}

// RegisterPrompt makes prompt renderable by name. Registering a name twice replaces the previous prompt.
func (r *ToolRouter) RegisterPrompt(prompt Prompt, handler PromptHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prompts[prompt.Name] = registeredPrompt{prompt: prompt, handler: handler}
}

// Tools returns the registered tools ordered by name.
func (r *ToolRouter) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Prompts returns the registered prompts ordered by name.
func (r *ToolRouter) Prompts() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prompts := make([]Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		prompts = append(prompts, p.prompt)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}

// Route implements CapabilityRouter.
func (r *ToolRouter) Route(ctx context.Context, cmd Command) (env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("recovered from panic while routing command",
				slog.String("method", cmd.Method),
				slog.String("name", cmd.Params.Name),
				slog.Any("panic", p))
			env = ErrorEnvelope(fmt.Sprintf("internal error while running %s", cmd.Params.Name))
		}
	}()

	method := cmd.Method
	if alias, ok := methodAliases[method]; ok {
		method = alias
	}

	switch method {
	case MethodCallTool:
		return r.callTool(ctx, cmd.Params)
	case MethodListTools:
		return jsonEnvelope(ListToolsResult{Tools: r.Tools()})
	case MethodListPrompts:
		return jsonEnvelope(ListPromptsResult{Prompts: r.Prompts()})
	case MethodGetPrompt:
		return r.getPrompt(ctx, cmd.Params)
	case MethodPing:
		return TextEnvelope("pong")
	default:
		return ErrorEnvelope(fmt.Sprintf("unsupported method: %s", cmd.Method))
	}
}

func (r *ToolRouter) callTool(ctx context.Context, params CommandParams) Envelope {
	r.mu.RLock()
	t, ok := r.tools[params.Name]
	r.mu.RUnlock()
	if !ok {
		return ErrorEnvelope(fmt.Sprintf("tool not found: %s", params.Name))
	}

	text, err := t.handler(ctx, params.Arguments)
	if err != nil {
		return ErrorEnvelope(err.Error())
	}
	return TextEnvelope(text)
}

func (r *ToolRouter) getPrompt(ctx context.Context, params CommandParams) Envelope {
	r.mu.RLock()
	p, ok := r.prompts[params.Name]
	r.mu.RUnlock()
	if !ok {
		return ErrorEnvelope(fmt.Sprintf("prompt not found: %s", params.Name))
	}

	for _, arg := range p.prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return ErrorEnvelope(fmt.Sprintf("missing required argument %q for prompt %s", arg.Name, p.prompt.Name))
		}
	}

	result, err := p.handler(ctx, params.Arguments)
	if err != nil {
		return ErrorEnvelope(err.Error())
	}
	return jsonEnvelope(result)
}

func jsonEnvelope(v any) Envelope {
	bs, err := json.Marshal(v)
	if err != nil {
		return ErrorEnvelope(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return TextEnvelope(string(bs))
}
