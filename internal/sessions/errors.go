package sessions

import (
	"fmt"
	"strings"
)

// PersistenceError reports conversations that could not be written. The
// in-memory state is unaffected and the caller may keep going.
type PersistenceError struct {
	Op   string
	Keys []string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session %s failed for %s: %v", e.Op, strings.Join(e.Keys, ", "), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
