package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ross-commits/talk-to-claude/pkg/errors"
	"github.com/ross-commits/talk-to-claude/pkg/metrics"
)

// Executor runs one tool invocation. Executors may do I/O; the context
// carries the deadline.
type Executor func(ctx context.Context, input map[string]interface{}) (string, error)

// Tool describes one capability the speech model may invoke.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Execute     Executor
}

// Registry is an ordered, read-only set of tools built at startup and
// shared by every call session.
type Registry struct {
	mu      sync.RWMutex
	tools   []Tool
	byName  map[string]int
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. timeout bounds each executor;
// zero means 30 seconds.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		byName:  make(map[string]int),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool. Duplicate names replace the earlier entry so
// tests can override stubs.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byName[t.Name]; ok {
		r.tools[i] = t
		return
	}
	r.byName[t.Name] = len(r.tools)
	r.tools = append(r.tools, t)
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Execute runs the named tool under the registry deadline. The result
// string is what the model sees: failures come back as a string
// prefixed "Error: " with isError true, never as a Go error, so a
// broken tool cannot kill the call.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]interface{}) (result string, isError bool) {
	r.mu.RLock()
	i, ok := r.byName[name]
	var tool Tool
	if ok {
		tool = r.tools[i]
	}
	r.mu.RUnlock()

	if !ok {
		metrics.ToolCall(true)
		return fmt.Sprintf("Error: unknown tool %q", name), true
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := tool.Execute(execCtx, input)
	if err != nil {
		toolErr := &apperrors.ToolError{Name: name, Cause: err}
		if r.logger != nil {
			r.logger.Warn("tool execution failed",
				zap.String("tool", name),
				zap.Error(toolErr),
			)
		}
		metrics.ToolCall(true)
		return "Error: " + err.Error(), true
	}

	metrics.ToolCall(false)
	return out, false
}
