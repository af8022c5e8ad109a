package session

import (
	"errors"
	"time"

	"swayambhu/internal/store"
)

// Breadcrumb is the single durable marker recording that a session is in
// flight. Written at wake, deleted only on clean completion; found at the
// next wake it is the crash signal and the postmortem pointer in one.
type Breadcrumb struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// readBreadcrumb returns the active breadcrumb, or nil when none exists.
func readBreadcrumb(st *store.Store) (*Breadcrumb, error) {
	var bc Breadcrumb
	err := st.GetJSON(store.KeyBreadcrumb, &bc)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bc, nil
}

func writeBreadcrumb(st *store.Store, bc Breadcrumb) error {
	return st.PutJSON(store.KeyBreadcrumb, bc)
}

func clearBreadcrumb(st *store.Store) error {
	return st.Delete(store.KeyBreadcrumb)
}
