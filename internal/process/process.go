// Package process implements the Process object (§3): per-process handle
// tables over channels, connections, pending messages, interrupt-handler
// records, and reapers, plus the parent/child bookkeeping process
// teardown needs — alive/dead child lists and reparenting to init.
package process

import (
	"sync"
	"sync/atomic"

	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/intr"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/sched"
)

// ID is a process id, monotonically allocated by a Table.
type ID int32

// ProcMgrConnectionID is reserved on every non-manager process: id 1 in
// its connection table always names the well-known connection to the
// process manager (§3 Process: "id 1 is reserved as the procmgr
// connection on every non-manager process").
const ProcMgrConnectionID ipc.ConnectionID = 1

var nextID atomic.Int32

func allocID() ID { return ID(nextID.Add(1)) }

// Process is a single user (or the in-kernel manager) process (§3).
// AddressSpace is nil for the manager, which runs entirely in kernel
// threads with no user mappings.
type Process struct {
	ID      ID
	Name    string
	Address hal.AddressSpace

	mu sync.Mutex

	channels    map[ipc.ChannelID]*ipc.Channel
	connections map[ipc.ConnectionID]*ipc.Connection
	pending     map[ipc.MsgID]*ipc.Message
	handlers    map[intr.HandlerID]*intr.HandlerRecord
	reapers     map[ReaperID]*Reaper

	nextChannelID    int32
	nextConnectionID int32
	nextHandlerLocal int32
	nextReaperID     int32

	parent *Process
	alive  map[ID]*Process
	dead   map[ID]*Process

	exited bool
}

// New creates a process named name, owned by parent (nil for init/the
// manager). space may be nil for kernel-resident processes.
func New(name string, parent *Process, space hal.AddressSpace) *Process {
	return newWithID(allocID(), name, parent, space)
}

// NewWithID creates a process with an explicit, caller-chosen id rather
// than the next monotonic one — used exactly once, for the process
// manager's reserved well-known pid (§6 constants.ProcMgrPID).
func NewWithID(id ID, name string, parent *Process, space hal.AddressSpace) *Process {
	return newWithID(id, name, parent, space)
}

func newWithID(id ID, name string, parent *Process, space hal.AddressSpace) *Process {
	p := &Process{
		ID:          id,
		Name:        name,
		Address:     space,
		channels:    make(map[ipc.ChannelID]*ipc.Channel),
		connections: make(map[ipc.ConnectionID]*ipc.Connection),
		pending:     make(map[ipc.MsgID]*ipc.Message),
		handlers:    make(map[intr.HandlerID]*intr.HandlerRecord),
		reapers:     make(map[ReaperID]*Reaper),
		parent:      parent,
		alive:       make(map[ID]*Process),
		dead:        make(map[ID]*Process),
	}
	if parent != nil {
		parent.mu.Lock()
		parent.alive[p.ID] = p
		parent.mu.Unlock()
	}
	return p
}

// AddChannel installs ch under a freshly allocated id in this process's
// channel table and returns that id.
func (p *Process) AddChannel(ch *ipc.Channel) ipc.ChannelID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextChannelID++
	id := ipc.ChannelID(p.nextChannelID)
	p.channels[id] = ch
	return id
}

// Channel looks up a channel by the id local to this process.
func (p *Process) Channel(id ipc.ChannelID) (*ipc.Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[id]
	return ch, ok
}

// AddConnection installs conn under a freshly allocated id.
func (p *Process) AddConnection(conn *ipc.Connection) ipc.ConnectionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextConnectionID++
	id := ipc.ConnectionID(p.nextConnectionID)
	p.connections[id] = conn
	return id
}

// Connection looks up a connection by the id local to this process.
func (p *Process) Connection(id ipc.ConnectionID) (*ipc.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.connections[id]
	return conn, ok
}

// RemoveChannel drops this process's reference to a channel it owns
// (channel-destroy), disposing it — every queued sender and
// receive-blocked waiter on it is answered NO_SYS (§4.4 disposal).
func (p *Process) RemoveChannel(scheduler *sched.Scheduler, id ipc.ChannelID) bool {
	p.mu.Lock()
	ch, ok := p.channels[id]
	if ok {
		delete(p.channels, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch.Dispose(scheduler)
	return true
}

// Channels returns a snapshot of every channel this process currently
// owns, for the syscall layer's msgid-to-channel resolution (a msgid
// alone does not name its channel; the caller must already own the
// channel it was received on).
func (p *Process) Channels() []*ipc.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ipc.Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	return out
}

// CloseConnection drops this process's reference to a connection
// (§4.3 disposal discipline), releasing the underlying channel if this
// was its last reference.
func (p *Process) CloseConnection(scheduler *sched.Scheduler, id ipc.ConnectionID) {
	p.mu.Lock()
	conn, ok := p.connections[id]
	if ok {
		delete(p.connections, id)
	}
	p.mu.Unlock()
	if ok {
		conn.Close(scheduler)
	}
}

// AddHandler installs an attached interrupt handler record.
func (p *Process) AddHandler(r *intr.HandlerRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[r.ID] = r
}

// RemoveHandler drops a process's reference to a handler record (the
// dispatcher-side detach is the caller's responsibility).
func (p *Process) RemoveHandler(id intr.HandlerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

// Handlers returns every interrupt-handler record this process still
// owns, for teardown to detach.
func (p *Process) Handlers() []*intr.HandlerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*intr.HandlerRecord, 0, len(p.handlers))
	for _, r := range p.handlers {
		out = append(out, r)
	}
	return out
}

// PendingMessage records a message this process's thread sent and is
// still blocked awaiting a reply for, so teardown can answer it with
// NO_SYS if the process dies first (§4.4 failure modes).
func (p *Process) PendingMessage(id ipc.MsgID, m *ipc.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = m
}

// ForgetPendingMessage removes a message once it has been replied to.
func (p *Process) ForgetPendingMessage(id ipc.MsgID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}

// PendingMessages returns a stable snapshot of this process's
// still-outstanding sent messages. Teardown moves each into a local
// refpointer before disposing it, per §4.3's "move-to-local-refpointer
// pattern before calling dispose" — returning a slice copy here gives
// the caller exactly that snapshot.
func (p *Process) PendingMessages() []*ipc.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ipc.Message, 0, len(p.pending))
	for _, m := range p.pending {
		out = append(out, m)
	}
	return out
}

// AddReaper installs a new child-termination subscription.
func (p *Process) AddReaper(r *Reaper) ReaperID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextReaperID++
	id := ReaperID(p.nextReaperID)
	r.ID = id
	p.reapers[id] = r
	return id
}

// Reapers returns every still-active reaper subscription.
func (p *Process) Reapers() []*Reaper {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Reaper, 0, len(p.reapers))
	for _, r := range p.reapers {
		out = append(out, r)
	}
	return out
}

// RemoveReaper drops a reaper whose remaining-count reached zero.
func (p *Process) RemoveReaper(id ReaperID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reapers, id)
}

// AliveChildren returns a snapshot of this process's live children.
func (p *Process) AliveChildren() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, 0, len(p.alive))
	for _, c := range p.alive {
		out = append(out, c)
	}
	return out
}

// MarkChildDead moves child from the alive to the dead list, called by
// the process manager's loop once a CHILD_FINISH terminee's thread has
// reached Finished (§4.7).
func (p *Process) MarkChildDead(child *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alive, child.ID)
	p.dead[child.ID] = child
}

// Reparent moves every one of p's alive and dead children onto init —
// §3 Process: "on destruction, children are reparented to the init
// process."
func (p *Process) Reparent(init *Process) {
	p.mu.Lock()
	alive := p.alive
	dead := p.dead
	p.alive = make(map[ID]*Process)
	p.dead = make(map[ID]*Process)
	p.mu.Unlock()

	init.mu.Lock()
	defer init.mu.Unlock()
	for id, c := range alive {
		c.parent = init
		init.alive[id] = c
	}
	for id, c := range dead {
		c.parent = init
		init.dead[id] = c
	}
}

// Parent returns p's parent process, or nil for init/the manager.
func (p *Process) Parent() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// MarkExited flips the exited flag; idempotent.
func (p *Process) MarkExited() { p.mu.Lock(); p.exited = true; p.mu.Unlock() }

// Exited reports whether this process has already begun teardown.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}
