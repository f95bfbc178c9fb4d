package server

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"sync"

	"github.com/robotpdf/devkeys/internal/developer"
)

// ToolRequest is a metered call handed to a tool after authentication and metering.
type ToolRequest struct {
	Developer developer.Identity
	Tool      string
	Method    string
	Query     url.Values
	Body      []byte
}

// Tool performs the business operation behind a metered route.
type Tool interface {
	Invoke(ctx context.Context, req ToolRequest) (any, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, req ToolRequest) (any, error)

// Invoke implements Tool.
func (f ToolFunc) Invoke(ctx context.Context, req ToolRequest) (any, error) {
	return f(ctx, req)
}

var toolNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ToolRegistry maps tool names to tools. It is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(name string, tool Tool) error {
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	if tool == nil {
		return fmt.Errorf("tool %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// Lookup returns the named tool.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in order.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EchoTool reports what it received. It backs the "echo" tool used for
// integration checks of credentials and quotas.
func EchoTool() Tool {
	return ToolFunc(func(_ context.Context, req ToolRequest) (any, error) {
		return map[string]any{
			"tool":         req.Tool,
			"method":       req.Method,
			"developer_id": req.Developer.ID,
			"bytes":        len(req.Body),
		}, nil
	})
}
