package session

import (
	"time"

	"swayambhu/internal/karma"
)

// Session is one wake-to-sleep cycle's explicit context: constructed at
// wake, passed to every component that needs it, destroyed at sleep. Its
// flight-recorder log persists; its in-memory state does not.
type Session struct {
	ID        string
	StartedAt time.Time
	Recorder  *karma.Recorder

	// Crash is the previous session's trail when the breadcrumb showed
	// it never completed; nil on a clean wake.
	Crash *CrashContext
}
