package process

import (
	"github.com/gomuos/muos/internal/intr"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/sched"
)

// Teardown implements process destruction (§3, §4.3, §4.4 failure
// modes): every message this process sent and is still owed a reply for
// is answered NO_SYS, every interrupt handler it owns is detached, every
// channel and connection it owns is closed (cascading through
// reference-counted disposal), and its children are reparented to init.
//
// Per §4.3's "move-to-local-refpointer pattern before calling dispose",
// PendingMessages/channel and connection tables are all snapshotted
// before any disposal call runs, so a disposal that cascades back into
// this process's own tables (replying to a message can drop a channel's
// last reference) never mutates a map Teardown is still iterating.
//
// Teardown does not unregister p from any process.Table: the manager's
// reaper-notification path (internal/procmgr) still needs Table.Lookup
// to resolve p's pid while it spin-waits on Exited and walks the
// parent's reapers, and only removes the table entry once that
// handshake has finished (§8 scenario 5).
func Teardown(p *Process, scheduler *sched.Scheduler, dispatcher *intr.Dispatcher, init *Process) {
	if p.Exited() {
		return
	}
	p.MarkExited()

	for _, m := range p.PendingMessages() {
		m.Channel.CancelSenderMessages(m.Sender)
		p.ForgetPendingMessage(m.ID)
	}

	for _, r := range p.Handlers() {
		if dispatcher != nil {
			_ = dispatcher.Detach(r.ID)
		}
		p.RemoveHandler(r.ID)
	}

	p.mu.Lock()
	conns := p.connections
	p.connections = make(map[ipc.ConnectionID]*ipc.Connection)
	p.mu.Unlock()
	for _, conn := range conns {
		conn.Close(scheduler)
	}

	p.mu.Lock()
	channels := p.channels
	p.channels = make(map[ipc.ChannelID]*ipc.Channel)
	p.mu.Unlock()
	for _, ch := range channels {
		ch.Dispose(scheduler)
	}

	if p.parent != nil {
		p.parent.MarkChildDead(p)
	}
	if init != nil && p != init {
		p.Reparent(init)
	}
}
