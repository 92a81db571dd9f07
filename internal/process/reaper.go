package process

import "github.com/gomuos/muos/internal/ipc"

// ReaperID identifies a Reaper within the owning parent process's table.
type ReaperID int32

// Reaper is a parent's subscription to child-termination notifications
// (§3 Reaper). Predicate nil means "any child"; when non-nil it is
// consulted with the terminating child's pid.
type Reaper struct {
	ID        ReaperID
	Predicate func(child ID) bool
	Remaining int
	Conn      *ipc.Connection
}

// Matches reports whether this reaper should fire for child.
func (r *Reaper) Matches(child ID) bool {
	if r.Predicate == nil {
		return true
	}
	return r.Predicate(child)
}
