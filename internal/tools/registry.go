package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	validator "github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/thebenlamm/nanobot/internal/providers"
)

// Tool is a capability the model can call.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Observer receives one callback per finished tool call.
type Observer interface {
	ToolCalled(name string, res *Result, elapsed time.Duration)
}

// Registry is the tool gateway the agent loop talks to. Arguments are
// validated against each tool's schema before the tool runs, and every
// result is passed through the redactor.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	schemas  sync.Map // name -> *validator.Schema
	redactor *Redactor
	timeout  time.Duration
	observer Observer
}

type RegistryOption func(*Registry)

func WithResultRedactor(rd *Redactor) RegistryOption { return func(r *Registry) { r.redactor = rd } }

// WithCallTimeout bounds each call. Tools with their own deadline still
// honour the shorter of the two.
func WithCallTimeout(d time.Duration) RegistryOption { return func(r *Registry) { r.timeout = d } }

func WithObserver(o Observer) RegistryOption { return func(r *Registry) { r.observer = o } }

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
	r.schemas.Delete(t.Name())
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ProviderDefs returns the definitions sent to the model.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
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

// Execute validates args and runs the named tool. It never panics on bad
// model output: unknown tools and invalid arguments come back as error results.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	ctx, span := otel.Tracer("nanobot/tools").Start(ctx, "tool."+name)
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	start := time.Now()
	res := r.execute(ctx, name, args)
	res.ForLLM = r.redactor.Redact(res.ForLLM)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Bool("tool.denied", res.Denied))
	if res.Category != "" {
		span.SetAttributes(attribute.String("tool.category", res.Category))
	}
	if res.IsError {
		span.SetStatus(codes.Error, "tool error")
	}
	if r.observer != nil {
		r.observer.ToolCalled(name, res, elapsed)
	}

	attrs := []any{"tool", name, "elapsed", elapsed.Round(time.Millisecond), "error", res.IsError}
	if res.Denied {
		attrs = append(attrs, "category", res.Category)
	}
	slog.Info("tool call", attrs...)
	return res
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := r.validate(t, args); err != nil {
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err)).WithError(err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	res := t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("%s returned no result", name))
	}
	return res
}

func (r *Registry) validate(t Tool, args map[string]interface{}) error {
	schema, err := r.schema(t)
	if err != nil {
		return err
	}
	// round-trip so numbers and nested values have JSON types
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		var ve *validator.ValidationError
		if errors.As(err, &ve) {
			var msgs []string
			for _, e := range ve.BasicOutput().Errors {
				if e.Error != "" && !strings.HasPrefix(e.Error, "doesn't validate with") {
					msgs = append(msgs, strings.TrimPrefix(e.InstanceLocation+": ", ": ")+e.Error)
				}
			}
			if len(msgs) > 0 {
				return errors.New(strings.Join(msgs, "; "))
			}
		}
		return err
	}
	return nil
}

func (r *Registry) schema(t Tool) (*validator.Schema, error) {
	if cached, ok := r.schemas.Load(t.Name()); ok {
		return cached.(*validator.Schema), nil
	}
	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return nil, fmt.Errorf("encode %s schema: %w", t.Name(), err)
	}
	compiled, err := validator.CompileString("tool_"+t.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", t.Name(), err)
	}
	r.schemas.Store(t.Name(), compiled)
	return compiled, nil
}
