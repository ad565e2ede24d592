// Package tools implements the closed set of functions the assistant can
// execute on behalf of a user: weather lookups, timezone answers, knowledge
// queries, arena status, image generation, and version info.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/kea-bot/kea/internal/providers"
)

// Kind identifies a function capability. The set is closed: the model can
// only select from what the registry advertises, and execution refuses
// names outside it.
type Kind string

const (
	KindWeather   Kind = "weather"
	KindForecast  Kind = "forecast"
	KindTime      Kind = "time"
	KindKnowledge Kind = "knowledge"
	KindArena     Kind = "arena"
	KindImage     Kind = "image"
	KindVersion   Kind = "version"
)

// Tool is one executable function.
type Tool interface {
	Kind() Kind

	// Name is the function name advertised to the model.
	Name() string
	Description() string
	Parameters() map[string]interface{}

	// Cost is the rate-limit charge for one execution.
	Cost() float64

	// LoadingText is shown on the acknowledgment message while the
	// function runs.
	LoadingText() string

	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tools offered to the dispatcher.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool // keyed by advertised function name
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the advertised function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the registry as completion tool definitions,
// sorted by name so request bodies are deterministic.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
