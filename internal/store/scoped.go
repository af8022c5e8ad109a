package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Access is a capability's declared key-space access level.
type Access string

const (
	AccessNone    Access = "none"
	AccessOwn     Access = "own"
	AccessReadAll Access = "read_all"
)

// ParseAccess validates an access level from capability metadata. An empty
// declaration means no store access.
func ParseAccess(s string) (Access, error) {
	switch Access(s) {
	case AccessNone, "":
		return AccessNone, nil
	case AccessOwn, AccessReadAll:
		return Access(s), nil
	}
	return AccessNone, fmt.Errorf("store: unknown access level %q", s)
}

// ErrAccessDenied is returned when a capability touches a key outside its
// declared scope.
var ErrAccessDenied = errors.New("store: access denied")

// Scoped is the store handle handed to sandboxed capability code. It
// enforces the capability's declared access level: own-scoped capabilities
// read and write only inside their own tooldata prefix; read-all may read
// any key but still writes only inside its own prefix.
type Scoped struct {
	s      *Store
	name   string
	access Access
}

// Scoped returns a capability-facing handle, or nil for AccessNone;
// callers treat a nil handle as "no store access granted".
func (s *Store) Scoped(name string, access Access) *Scoped {
	if access == AccessNone {
		return nil
	}
	return &Scoped{s: s, name: name, access: access}
}

func (sc *Scoped) prefix() string { return ToolDataPrefix(sc.name) }

// Get reads a key subject to the declared access level.
func (sc *Scoped) Get(key string) (json.RawMessage, error) {
	if sc.access == AccessOwn && !strings.HasPrefix(key, sc.prefix()) {
		return nil, fmt.Errorf("%w: %s may not read %s", ErrAccessDenied, sc.name, key)
	}
	return sc.s.Get(key)
}

// Put writes a key. Writes are always confined to the capability's own
// prefix, regardless of read access.
func (sc *Scoped) Put(key string, value json.RawMessage) error {
	if !strings.HasPrefix(key, sc.prefix()) {
		return fmt.Errorf("%w: %s may not write %s", ErrAccessDenied, sc.name, key)
	}
	return sc.s.Put(key, value)
}

// Delete removes a key inside the capability's own prefix.
func (sc *Scoped) Delete(key string) error {
	if !strings.HasPrefix(key, sc.prefix()) {
		return fmt.Errorf("%w: %s may not delete %s", ErrAccessDenied, sc.name, key)
	}
	return sc.s.Delete(key)
}

// Keys lists keys visible at the declared access level under prefix.
func (sc *Scoped) Keys(prefix string) ([]string, error) {
	if sc.access == AccessOwn && !strings.HasPrefix(prefix, sc.prefix()) {
		return nil, fmt.Errorf("%w: %s may not list %s", ErrAccessDenied, sc.name, prefix)
	}
	return sc.s.Keys(prefix)
}
