package ipc

import (
	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/sched"
)

// Connection is a client-side binding to exactly one channel (§3
// Connection); connections, not channels, are the unit of addressing
// for sends and pulses (e.g. an interrupt handler record names a
// connection, §3 UserInterruptHandlerRecord).
type Connection struct {
	ID      ConnectionID
	Channel *Channel
}

// NewConnection binds a new connection to ch, taking a reference.
func NewConnection(id ConnectionID, ch *Channel) *Connection {
	ch.AddRef()
	return &Connection{ID: id, Channel: ch}
}

// Close drops the connection's reference to its channel; if that was
// the last reference, the channel is disposed (§4.3 disposal
// discipline).
func (c *Connection) Close(scheduler *sched.Scheduler) {
	if c.Channel.Release() {
		c.Channel.Dispose(scheduler)
	}
}

// Send forwards to the underlying channel; every client-facing send
// addresses a connection, not a channel directly.
func (c *Connection) Send(scheduler *sched.Scheduler, sender *sched.Thread, requestVec, replyVec []IOVec) (int, kernelerrors.Code, error) {
	return c.Channel.Send(scheduler, sender, requestVec, replyVec)
}

// SendPulse forwards to the underlying channel.
func (c *Connection) SendPulse(scheduler *sched.Scheduler, p Pulse) {
	c.Channel.SendPulse(scheduler, p)
}
