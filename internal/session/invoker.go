package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"swayambhu/internal/sandbox"
	"swayambhu/internal/store"
)

// Invoker executes named capabilities through the sandbox. Code and
// metadata are read from tool:{name}:code and tool:{name}:meta; both are
// cached for the lifetime of one session, so a capability that rewrites
// itself mid-session takes effect at the next wake.
type Invoker struct {
	st     *store.Store
	runner sandbox.Runner

	mu    sync.Mutex
	cache map[string]capability
}

type capability struct {
	code string
	spec sandbox.Spec
}

// NewInvoker creates a per-session invoker.
func NewInvoker(st *store.Store, runner sandbox.Runner) *Invoker {
	return &Invoker{st: st, runner: runner, cache: make(map[string]capability)}
}

// Invoke loads (or reuses) the capability and runs it with the input
// serialized as JSON.
func (inv *Invoker) Invoke(ctx context.Context, tool string, input map[string]any) (string, error) {
	c, err := inv.load(tool)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("session: input for %s not serializable: %w", tool, err)
	}
	return inv.runner.Run(ctx, tool, c.code, c.spec, string(payload))
}

func (inv *Invoker) load(tool string) (capability, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if c, ok := inv.cache[tool]; ok {
		return c, nil
	}

	var code string
	if err := inv.st.GetJSON(store.ToolCodeKey(tool), &code); err != nil {
		return capability{}, fmt.Errorf("session: capability %s has no code: %w", tool, err)
	}
	rawMeta, err := inv.st.Get(store.ToolMetaKey(tool))
	if err != nil {
		return capability{}, fmt.Errorf("session: capability %s has no metadata: %w", tool, err)
	}
	spec, err := sandbox.ParseSpec(rawMeta)
	if err != nil {
		return capability{}, fmt.Errorf("session: capability %s: %w", tool, err)
	}

	c := capability{code: code, spec: spec}
	inv.cache[tool] = c
	return c, nil
}
