// Scenarios implements the six end-to-end walks of §8's TESTABLE
// PROPERTIES (echo fragmented send, receiver-arrives-first,
// server-dies-holding-message, IRQ delivery, child reaper, priority
// inheritance), each driven through a booted Kernel's public syscall
// surface rather than by poking internal packages directly.
package main

import (
	"fmt"
	"time"

	muos "github.com/gomuos/muos"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/process"
	"github.com/gomuos/muos/internal/sched"
	"github.com/gomuos/muos/internal/syscall"
)

const addressSpaceSize = 64 * 1024

// scenario is one named, runnable demonstration. Each receives the
// caller's booted Kernel (main shares one across the whole run) and
// spawns its own idle thread through runWithIdle so spawned threads
// actually get dispatched (the same shape every package test in this
// repo uses). irq-delivery also needs the kernel's interrupt controller,
// so its run is nil and runScenario calls scenarioIRQDelivery directly.
type scenario struct {
	name string
	doc  string
	run  func(k *muos.Kernel) (string, error)
}

var scenarios = []scenario{
	{"echo-fragmented-send", "vectored send/reply across multiple fragments", scenarioEchoFragmentedSend},
	{"receiver-arrives-first", "a receiver parks before any sender shows up", scenarioReceiverArrivesFirst},
	{"server-dies-holding-message", "a server tears down mid-transaction", scenarioServerDiesHoldingMessage},
	{"irq-delivery", "a simulated hardware line wakes an attached handler", nil},
	{"child-reaper", "a child's exit notifies its parent's reaper", scenarioChildReaper},
	{"priority-inheritance", "a held message raises the holder's effective priority", scenarioPriorityInheritance},
}

func lookupScenario(name string) (scenario, bool) {
	for _, s := range scenarios {
		if s.name == name {
			return s, true
		}
	}
	return scenario{}, false
}

// runWithIdle boots nothing itself (the caller already called k.Boot);
// it just spawns the idle thread every scenario needs to actually make
// forward progress, the pattern internal/procmgr's and internal/syscall's
// own test harnesses use.
func runWithIdle(k *muos.Kernel, body func()) {
	stop := make(chan struct{})
	idle, err := k.Scheduler.Spawn(0, sched.PriorityNormal, func(t *sched.Thread) {
		for {
			select {
			case <-stop:
				return
			default:
			}
			k.Scheduler.YieldWithRequeue(t)
			time.Sleep(time.Millisecond)
		}
	})
	if err != nil {
		panic(fmt.Sprintf("muos-sim: spawn idle thread: %v", err))
	}
	defer close(stop)
	k.Scheduler.Bootstrap(idle)
	body()
}

func spawn(k *muos.Kernel, name string, parent *process.Process, entry func(*sched.Thread)) (*process.Process, *sched.Thread) {
	proc, th, err := k.SpawnProcess(name, parent, addressSpaceSize, sched.PriorityNormal, entry)
	if err != nil {
		panic(fmt.Sprintf("muos-sim: spawn %s: %v", name, err))
	}
	return proc, th
}

// scenarioEchoFragmentedSend spawns a server that receives into one flat
// buffer and replies across two fragments, and a client that sends its
// request across two fragments and reads the reassembled reply back.
func scenarioEchoFragmentedSend(k *muos.Kernel) (string, error) {
	var result string
	var scenErr error

	runWithIdle(k, func() {
		ready := make(chan struct{ pid int32; chid int32 })
		done := make(chan struct{})

		serverProc, _ := spawn(k, "echo-server", nil, func(t *sched.Thread) {
			chid := k.Enter(t, syscall.ChannelCreate, syscall.Args{})
			ready <- struct{ pid int32; chid int32 }{int32(serverPID(k, t)), chid}

			const msgidAddr = 0x0
			const recvAddr = 0x100
			n := k.Enter(t, syscall.MsgReceive, syscall.Args{chid, msgidAddr, recvAddr, 64})
			if n < 0 {
				scenErr = fmt.Errorf("server receive failed: errno %d", n)
				close(done)
				return
			}
			msgid, _ := readInt32(t.AddressSpace, msgidAddr)
			req, _ := readBytes(t.AddressSpace, recvAddr, int(n))

			reply := append([]byte("ECHO:"), req...)
			half := len(reply) / 2
			const replyFragAddr1 = 0x200
			const replyFragAddr2 = 0x300
			const replyVecAddr = 0x400
			_ = writeBytes(t.AddressSpace, replyFragAddr1, reply[:half])
			_ = writeBytes(t.AddressSpace, replyFragAddr2, reply[half:])
			_ = writeVec(t.AddressSpace, replyVecAddr, []ipc.IOVec{
				{Addr: replyFragAddr1, Len: half},
				{Addr: replyFragAddr2, Len: len(reply) - half},
			})
			if st := k.Enter(t, syscall.MsgReplyV, syscall.Args{int32(msgid), 0, replyVecAddr, 2}); st < 0 {
				scenErr = fmt.Errorf("server reply failed: errno %d", st)
			}
			close(done)
		})
		_ = serverProc

		spawn(k, "echo-client", nil, func(t *sched.Thread) {
			target := <-ready
			coid := k.Enter(t, syscall.Connect, syscall.Args{target.pid, target.chid})
			if coid < 0 {
				scenErr = fmt.Errorf("client connect failed: errno %d", coid)
				return
			}

			const reqFragAddr1 = 0x1000
			const reqFragAddr2 = 0x1100
			const reqVecAddr = 0x1200
			const replyVecAddr = 0x1300
			const replyBufAddr = 0x1400
			_ = writeBytes(t.AddressSpace, reqFragAddr1, []byte("hello, "))
			_ = writeBytes(t.AddressSpace, reqFragAddr2, []byte("muos!"))
			_ = writeVec(t.AddressSpace, reqVecAddr, []ipc.IOVec{
				{Addr: reqFragAddr1, Len: 7},
				{Addr: reqFragAddr2, Len: 5},
			})
			_ = writeVec(t.AddressSpace, replyVecAddr, []ipc.IOVec{{Addr: replyBufAddr, Len: 64}})

			n := k.Enter(t, syscall.MsgSendV, syscall.Args{coid, reqVecAddr, 2, replyVecAddr, 1})
			if n < 0 {
				scenErr = fmt.Errorf("client send failed: errno %d", n)
				return
			}
			reply, _ := readBytes(t.AddressSpace, replyBufAddr, int(n))
			result = string(reply)
		})

		<-done
	})

	if scenErr != nil {
		return "", scenErr
	}
	return fmt.Sprintf("client received: %q", result), nil
}

// serverPID recovers the table-registered pid for a thread's own
// process — every scenario needs its server's pid to hand to a client
// out of band, the same way a name-server lookup would in a complete
// system (§4.7's getpid covers the self case only).
func serverPID(k *muos.Kernel, self *sched.Thread) process.ID {
	return process.ID(self.OwnerPID)
}

// scenarioReceiverArrivesFirst blocks a receiver on an empty channel
// before any sender exists, then spawns the sender and confirms the
// blocked receive unblocks with the sender's payload.
func scenarioReceiverArrivesFirst(k *muos.Kernel) (string, error) {
	var result string
	var scenErr error

	runWithIdle(k, func() {
		ready := make(chan struct{ pid int32; chid int32 })
		done := make(chan struct{})

		spawn(k, "early-receiver", nil, func(t *sched.Thread) {
			chid := k.Enter(t, syscall.ChannelCreate, syscall.Args{})
			ready <- struct{ pid int32; chid int32 }{int32(serverPID(k, t)), chid}

			const msgidAddr = 0x0
			const recvAddr = 0x100
			n := k.Enter(t, syscall.MsgReceive, syscall.Args{chid, msgidAddr, recvAddr, 64})
			if n < 0 {
				scenErr = fmt.Errorf("receive failed: errno %d", n)
				close(done)
				return
			}
			msgid, _ := readInt32(t.AddressSpace, msgidAddr)
			req, _ := readBytes(t.AddressSpace, recvAddr, int(n))
			result = string(req)
			k.Enter(t, syscall.MsgReply, syscall.Args{int32(msgid), 0, 0, 0})
			close(done)
		})

		// A short pause gives the receiver every chance to actually park
		// receive-blocked before the sender shows up; the channel's own
		// queue makes the scenario correct either way.
		time.Sleep(5 * time.Millisecond)

		spawn(k, "late-sender", nil, func(t *sched.Thread) {
			target := <-ready
			coid := k.Enter(t, syscall.Connect, syscall.Args{target.pid, target.chid})
			if coid < 0 {
				scenErr = fmt.Errorf("connect failed: errno %d", coid)
				return
			}
			const reqAddr = 0x1000
			_ = writeBytes(t.AddressSpace, reqAddr, []byte("ping"))
			k.Enter(t, syscall.MsgSend, syscall.Args{coid, reqAddr, 4, 0, 0})
		})

		<-done
	})

	if scenErr != nil {
		return "", scenErr
	}
	return fmt.Sprintf("receiver saw: %q", result), nil
}

// scenarioServerDiesHoldingMessage has a server receive a request and
// then tear down (via its own exit syscall) before replying; the
// sender's blocked Send must observe NO_SYS rather than hang.
func scenarioServerDiesHoldingMessage(k *muos.Kernel) (string, error) {
	var sendStatus int32
	var scenErr error

	runWithIdle(k, func() {
		ready := make(chan struct{ pid int32; chid int32 })
		done := make(chan struct{})

		spawn(k, "doomed-server", nil, func(t *sched.Thread) {
			chid := k.Enter(t, syscall.ChannelCreate, syscall.Args{})
			ready <- struct{ pid int32; chid int32 }{int32(serverPID(k, t)), chid}

			const msgidAddr = 0x0
			const recvAddr = 0x100
			if n := k.Enter(t, syscall.MsgReceive, syscall.Args{chid, msgidAddr, recvAddr, 64}); n < 0 {
				scenErr = fmt.Errorf("server receive failed: errno %d", n)
				return
			}
			// Never replies: instead it exits, carrying the still-
			// pending message down with it (§4.4 failure mode). The
			// request is read from untouched, zeroed memory (type word 0
			// is exit): address 0 now holds the received msgid.
			const exitReqAddr = 0x200
			k.Enter(t, syscall.MsgSend, syscall.Args{int32(process.ProcMgrConnectionID), exitReqAddr, 24, 0, 0})
		})

		spawn(k, "abandoned-client", nil, func(t *sched.Thread) {
			defer close(done)
			target := <-ready
			coid := k.Enter(t, syscall.Connect, syscall.Args{target.pid, target.chid})
			if coid < 0 {
				scenErr = fmt.Errorf("connect failed: errno %d", coid)
				return
			}
			const reqAddr = 0x1000
			_ = writeBytes(t.AddressSpace, reqAddr, []byte("are you there?"))
			// Blocks until the server's teardown disposes its channel and
			// wakes this call with NO_SYS (§4.4); no extra synchronization
			// needed beyond the connect handshake above.
			sendStatus = k.Enter(t, syscall.MsgSend, syscall.Args{coid, reqAddr, 14, 0, 0})
		})

		<-done
	})

	if scenErr != nil {
		return "", scenErr
	}
	if sendStatus >= 0 {
		return "", fmt.Errorf("expected a negative (NO_SYS) errno, got %d", sendStatus)
	}
	return fmt.Sprintf("sender observed errno %d after server died holding the message", sendStatus), nil
}

// scenarioIRQDelivery attaches a handler to a simulated line directly
// against internal/intr.Dispatcher (§4.6's attach/detach/complete isn't
// reachable from outside internal/procmgr without its unexported wire
// marshalling, so this demo drives the dispatcher the same way
// internal/procmgr's own handleInterruptAttach does internally), raises
// the line on the Kernel's FakeInterruptController, and confirms the
// pulse reaches the attached connection.
func scenarioIRQDelivery(k *muos.Kernel, controller *hal.FakeInterruptController) (string, error) {
	var result string
	var scenErr error

	runWithIdle(k, func() {
		done := make(chan struct{})

		spawn(k, "irq-handler", nil, func(t *sched.Thread) {
			chid := k.Enter(t, syscall.ChannelCreate, syscall.Args{})
			proc, ok := k.Table.Lookup(process.ID(t.OwnerPID))
			if !ok {
				scenErr = fmt.Errorf("could not resolve own process %d", t.OwnerPID)
				close(done)
				return
			}
			ch, ok := proc.Channel(ipc.ChannelID(chid))
			if !ok {
				scenErr = fmt.Errorf("could not resolve own channel %d", chid)
				close(done)
				return
			}
			// A handler attaches its own connection back to its own
			// channel so the dispatcher's pulse delivery (§4.6 step 4)
			// and this handler's receive loop rendezvous on the same
			// queue, the same loopback shape internal/procmgr's own
			// interrupt-attach handling sets up for a real client.
			coid := proc.AddConnection(ipc.NewConnection(0, ch))
			const irqLine = 7
			rec := k.Dispatcher.Attach(t.OwnerPID, coid, irqLine, 0xBEEF)

			controller.Raise(irqLine)
			if err := k.Dispatcher.HandleIRQ(); err != nil {
				scenErr = fmt.Errorf("handle irq: %w", err)
				close(done)
				return
			}

			const msgidAddr = 0x0
			const recvAddr = 0x100
			n := k.Enter(t, syscall.MsgReceive, syscall.Args{chid, msgidAddr, recvAddr, 8})
			if n < 0 {
				scenErr = fmt.Errorf("receive pulse failed: errno %d", n)
				close(done)
				return
			}
			typ, _ := readInt32(t.AddressSpace, recvAddr)
			val, _ := readInt32(t.AddressSpace, recvAddr+4)
			result = fmt.Sprintf("pulse{type=%d value=0x%x}", typ, val)

			if err := k.Dispatcher.Complete(rec.ID); err != nil {
				scenErr = fmt.Errorf("complete: %w", err)
			}
			close(done)
		})

		<-done
	})

	if scenErr != nil {
		return "", scenErr
	}
	return result, nil
}

// scenarioChildReaper is §8 scenario 5, run through Kernel.Enter exactly
// as kernel_test.go's TestKernelChildExitNotifiesReaper verifies in
// isolation.
func scenarioChildReaper(k *muos.Kernel) (string, error) {
	var pulseValue int32
	var scenErr error

	runWithIdle(k, func() {
		parent, _ := spawn(k, "parent", nil, func(*sched.Thread) {})

		parentCh := ipc.NewChannel(1, 4)
		parentConn := ipc.NewConnection(1, parentCh)
		parent.AddReaper(&process.Reaper{Remaining: 1, Conn: parentConn})

		childDone := make(chan int32, 1)
		child, _ := spawn(k, "child", parent, func(t *sched.Thread) {
			childDone <- k.Enter(t, syscall.MsgSend, syscall.Args{int32(process.ProcMgrConnectionID), 0, 24, 0, 0})
		})

		select {
		case <-childDone:
		case <-time.After(2 * time.Second):
			scenErr = fmt.Errorf("child's exit syscall never completed")
			return
		}

		res, err := parentCh.Receive(nil, nil, nil)
		if err != nil {
			scenErr = err
			return
		}
		if !res.IsPulse || res.Pulse.Type != ipc.PulseTypeChildFinish {
			scenErr = fmt.Errorf("expected a CHILD_FINISH pulse, got %+v", res)
			return
		}
		pulseValue = res.Pulse.Value
		if _, stillThere := k.Table.Lookup(child.ID); stillThere {
			scenErr = fmt.Errorf("child pid %d still resolvable after reap", child.ID)
		}
	})

	if scenErr != nil {
		return "", scenErr
	}
	return fmt.Sprintf("parent's reaper observed CHILD_FINISH for pid %d", pulseValue), nil
}

// scenarioPriorityInheritance holds a Normal-priority server
// receive-blocked, then has an IO-priority client send to it; the
// server's effective priority must rise to IO for as long as it holds
// the message, and fall back once it replies — the walk
// internal/ipc/channel_test.go's TestPriorityInheritanceDuringDelivery
// exercises at the Channel level, reproduced here over real syscalls
// with real scheduler-assigned priorities.
func scenarioPriorityInheritance(k *muos.Kernel) (string, error) {
	var duringHold, afterReply sched.Priority
	var scenErr error

	runWithIdle(k, func() {
		ready := make(chan struct{ pid int32; chid int32 })
		holding := make(chan *sched.Thread, 1)
		replyCanProceed := make(chan struct{})
		done := make(chan struct{})

		var serverTh *sched.Thread

		_, _ = spawn(k, "io-server", nil, func(t *sched.Thread) {
			serverTh = t
			chid := k.Enter(t, syscall.ChannelCreate, syscall.Args{})
			ready <- struct{ pid int32; chid int32 }{int32(serverPID(k, t)), chid}

			const msgidAddr = 0x0
			const recvAddr = 0x100
			n := k.Enter(t, syscall.MsgReceive, syscall.Args{chid, msgidAddr, recvAddr, 4})
			if n < 0 {
				scenErr = fmt.Errorf("server receive failed: errno %d", n)
				close(done)
				return
			}
			holding <- t
			<-replyCanProceed
			msgid, _ := readInt32(t.AddressSpace, msgidAddr)
			k.Enter(t, syscall.MsgReply, syscall.Args{int32(msgid), 0, 0, 0})
			close(done)
		})

		_, _, err := k.SpawnProcess("io-client", nil, addressSpaceSize, sched.PriorityIO, func(t *sched.Thread) {
			target := <-ready
			coid := k.Enter(t, syscall.Connect, syscall.Args{target.pid, target.chid})
			if coid < 0 {
				scenErr = fmt.Errorf("connect failed: errno %d", coid)
				return
			}
			const reqAddr = 0x1000
			_ = writeBytes(t.AddressSpace, reqAddr, []byte("ping"))
			k.Enter(t, syscall.MsgSend, syscall.Args{coid, reqAddr, 4, 0, 0})
		})
		if err != nil {
			scenErr = err
			return
		}

		var held *sched.Thread
		select {
		case held = <-holding:
		case <-time.After(2 * time.Second):
			scenErr = fmt.Errorf("server never reached receive-blocked-then-holding state")
			return
		}
		duringHold = held.EffectivePriority
		close(replyCanProceed)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			scenErr = fmt.Errorf("server never replied")
			return
		}
		afterReply = serverTh.EffectivePriority
	})

	if scenErr != nil {
		return "", scenErr
	}
	if duringHold != sched.PriorityIO {
		return "", fmt.Errorf("expected effective priority IO while holding the message, got %s", duringHold)
	}
	return fmt.Sprintf("server's effective priority was %s while holding the message, %s after replying", duringHold, afterReply), nil
}
