// Package tools defines the generic dispatch contract the protocol handler
// invokes. Tool internals (survey logic, response recording) live outside
// the engine; the engine only validates parameters against the declared
// schema and surfaces failures without crashing the session.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type Schema struct {
	Required   []string            `json:"required,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
}

type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

// Result is the uniform tool outcome. Execution errors, thrown or
// otherwise, are folded into Success=false with Error set.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Context carries per-invocation session identity into the tool.
type Context struct {
	SessionID       string
	QuestionnaireID string
	StepIndex       int
}

// Dispatcher is implemented externally to the engine.
type Dispatcher interface {
	ListToolDefinitions() []Definition
	Execute(ctx context.Context, name string, params map[string]any, tctx Context) (Result, error)
}

// Handler is one registered tool implementation.
type Handler func(ctx context.Context, params map[string]any, tctx Context) (any, error)

type registered struct {
	def     Definition
	handler Handler
}

// Registry is the in-process Dispatcher. It validates params against the
// declared schema before invoking a handler and converts handler panics
// and errors into non-success Results.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

func (r *Registry) Register(def Definition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registered{def: def, handler: handler}
}

func (r *Registry) ListToolDefinitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, tctx Context) (result Result, err error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool %q", name)}, nil
	}
	if verr := ValidateParams(t.def.InputSchema, params); verr != nil {
		return Result{Success: false, Error: verr.Error()}, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = Result{Success: false, Error: fmt.Sprintf("tool %q panicked: %v", name, rec)}
			err = nil
		}
	}()

	data, herr := t.handler(ctx, params, tctx)
	if herr != nil {
		return Result{Success: false, Error: herr.Error()}, nil
	}
	return Result{Success: true, Data: data}, nil
}

// ValidateParams checks required-field presence and basic type match
// against the declared schema.
func ValidateParams(schema Schema, params map[string]any) error {
	for _, req := range schema.Required {
		if _, ok := params[req]; !ok {
			return fmt.Errorf("missing required parameter %q", req)
		}
	}
	for key, val := range params {
		prop, ok := schema.Properties[key]
		if !ok || prop.Type == "" {
			continue
		}
		if !typeMatches(prop.Type, val) {
			return fmt.Errorf("parameter %q: expected %s", key, prop.Type)
		}
	}
	return nil
}

func typeMatches(declared string, val any) bool {
	switch declared {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}
