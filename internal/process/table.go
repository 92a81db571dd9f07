package process

import (
	"sync"

	"github.com/gomuos/muos/internal/ipc"
)

// Table is the kernel-wide pid→Process map (§9: "global singletons ...
// owned by a Kernel root object" — Table is the process-table instance
// a Kernel holds). It also satisfies intr.ProcessResolver, turning a
// (pid, connection id) pair from an interrupt-handler record into a live
// *ipc.Connection at delivery time.
type Table struct {
	mu    sync.RWMutex
	procs map[ID]*Process
}

// NewTable creates an empty process table.
func NewTable() *Table {
	return &Table{procs: make(map[ID]*Process)}
}

// Register adds p to the table, keyed by its own id.
func (t *Table) Register(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.ID] = p
}

// Unregister removes a process once its teardown has fully completed.
func (t *Table) Unregister(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, id)
}

// Lookup resolves a pid to its Process, or false once that pid is no
// longer resolvable (§8 scenario 5: "child's pid is no longer resolvable
// by lookup").
func (t *Table) Lookup(id ID) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[id]
	return p, ok
}

// ResolveConnection implements intr.ProcessResolver: a handler record
// names a pid and a connection id local to that process; both must
// still resolve for an interrupt pulse to be deliverable (§4.6 step 4).
func (t *Table) ResolveConnection(pid int32, coid ipc.ConnectionID) (*ipc.Connection, bool) {
	p, ok := t.Lookup(ID(pid))
	if !ok {
		return nil, false
	}
	return p.Connection(coid)
}

// ResolveMessageOwner implements ipc.MessageOwnerResolver: a Message
// names its sender's thread, whose OwnerPID must still resolve to a
// live Process for that process's pending-message registry to learn
// about it.
func (t *Table) ResolveMessageOwner(pid int32) (ipc.MessageOwner, bool) {
	return t.Lookup(ID(pid))
}
