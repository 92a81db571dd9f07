package intr

import "github.com/gomuos/muos/internal/ipc"

// HandlerID identifies a UserInterruptHandlerRecord across both of its
// owners — the dispatching process's handle table and this package's
// per-line dispatch list (§3 UserInterruptHandlerRecord: "shared between
// the owning process's handler table and the per-IRQ dispatch list").
type HandlerID uint64

// HandlerRecord is a user-space interrupt attachment (§3). Attach stores
// the (pid, connection id) pair rather than a resolved *ipc.Connection:
// the dispatcher re-resolves both at delivery time through a
// ProcessResolver, so a process or connection that has since gone away
// is simply skipped (§4.6 step 4: "if both exist").
type HandlerRecord struct {
	ID           HandlerID
	PID          int32
	ConnectionID ipc.ConnectionID
	IRQ          int
	Param        int32
	Masked       bool

	lineNext, linePrev *HandlerRecord
	lineOwner          *handlerList
}
