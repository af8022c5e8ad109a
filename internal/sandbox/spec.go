// Package sandbox executes one piece of dynamically supplied capability
// code, a tool or the provider adapter, in an isolated, time-boxed,
// capability-scoped environment. The code comes out of the durable store,
// so it is treated as untrusted even though the engine itself wrote it
// there: a capability sees exactly the secrets and store keys its metadata
// declares, nothing more.
package sandbox

import (
	"encoding/json"
	"fmt"

	"swayambhu/internal/store"
)

// DefaultTimeoutMS bounds capabilities whose metadata declares no timeout.
const DefaultTimeoutMS = 30_000

// Spec is a capability's declared permission envelope (tool:{name}:meta).
// Declaration is an allow-list, not discovery: a name absent from the lists
// is a secret the capability will never see.
type Spec struct {
	// Secrets are tier-1 names resolved from the protected process
	// environment.
	Secrets []string `json:"secrets,omitempty"`

	// KVSecrets are tier-2 names resolved from the store's secret:
	// namespace (self-provisioned credentials).
	KVSecrets []string `json:"kv_secrets,omitempty"`

	// KVAccess is the key-space access level: none, own, read_all.
	KVAccess string `json:"kv_access,omitempty"`

	// AllowHTTP grants an outbound HTTP client. Denied by default.
	AllowHTTP bool `json:"allow_http,omitempty"`

	// TimeoutMS bounds one invocation.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ParseSpec decodes and validates capability metadata.
func ParseSpec(raw json.RawMessage) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return Spec{}, fmt.Errorf("sandbox: bad capability metadata: %w", err)
	}
	if _, err := store.ParseAccess(s.KVAccess); err != nil {
		return Spec{}, err
	}
	if s.TimeoutMS <= 0 {
		s.TimeoutMS = DefaultTimeoutMS
	}
	return s, nil
}

// Access returns the parsed key-space access level.
func (s Spec) Access() store.Access {
	a, err := store.ParseAccess(s.KVAccess)
	if err != nil {
		return store.AccessNone
	}
	return a
}
