package ipc

import (
	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/sched"
)

// MessageState is a Message's position in its lifecycle (§3 Message).
type MessageState int

const (
	MessageUnsent MessageState = iota
	MessageDelivered
	MessageReplied
	MessageCancelled
)

func (s MessageState) String() string {
	switch s {
	case MessageUnsent:
		return "Unsent"
	case MessageDelivered:
		return "Delivered"
	case MessageReplied:
		return "Replied"
	case MessageCancelled:
		return "Cancelled"
	default:
		return "unknown"
	}
}

// Message is one in-flight synchronous transaction (§3). The kernel
// never copies the whole payload into its own storage: RequestVec and
// ReplyVec are descriptors into the sender's and receiver's own address
// spaces, copied fragment-by-fragment by VectoredCopy while the sender
// is blocked.
type Message struct {
	ID         MsgID
	Sender     *sched.Thread
	Receiver   *sched.Thread // set once delivered; who owes the reply
	Channel    *Channel
	RequestVec []IOVec
	ReplyVec   []IOVec
	State      MessageState

	// finalN/status/copyErr are filled in by Reply (or by
	// teardown/disposal) and read back by Send once the sender resumes.
	finalN  int
	status  kernelerrors.Code
	copyErr error
}
