package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-go-golems/chathistory/pkg/models"
)

// ToolFunc runs a tool with its raw JSON arguments.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]interface{}
	Function   ToolFunc
}

func (d ToolDefinition) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// ToolInvoker is the tool-invocation collaborator of the agent loop.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ToolRegistry manages available tools with thread-safe operations
type ToolRegistry interface {
	ToolInvoker
	RegisterTool(name string, def ToolDefinition) error
	GetTool(name string) (*ToolDefinition, error)
	ListTools() []ToolDefinition
	UnregisterTool(name string) error
}

// InMemoryToolRegistry is a thread-safe in-memory implementation of ToolRegistry
type InMemoryToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolDefinition
}

var _ ToolRegistry = (*InMemoryToolRegistry)(nil)

func NewInMemoryToolRegistry() *InMemoryToolRegistry {
	return &InMemoryToolRegistry{
		tools: make(map[string]ToolDefinition),
	}
}

func (r *InMemoryToolRegistry) RegisterTool(name string, def ToolDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Name != "" && def.Name != name {
		return fmt.Errorf("tool definition name (%s) does not match registry name (%s)", def.Name, name)
	}
	if def.Function == nil {
		return fmt.Errorf("tool %s has no function", name)
	}

	def.Name = name
	r.tools[name] = def
	return nil
}

func (r *InMemoryToolRegistry) GetTool(name string) (*ToolDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	toolCopy := tool
	return &toolCopy, nil
}

// ListTools returns all tools sorted by name.
func (r *InMemoryToolRegistry) ListTools() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (r *InMemoryToolRegistry) UnregisterTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool not found: %s", name)
	}
	delete(r.tools, name)
	return nil
}

// InvokeTool looks the tool up and runs it outside the registry lock.
func (r *InMemoryToolRegistry) InvokeTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, err := r.GetTool(name)
	if err != nil {
		return "", err
	}
	return tool.Function(ctx, args)
}

// Specs returns the model-facing descriptions of all registered tools.
func (r *InMemoryToolRegistry) Specs() []models.ToolSpec {
	tools := r.ListTools()
	ret := make([]models.ToolSpec, 0, len(tools))
	for _, t := range tools {
		ret = append(ret, t.Spec())
	}
	return ret
}
