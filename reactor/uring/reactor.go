//go:build linux

// Package uring implements reactor.Reactor on an io_uring submission and
// completion ring.
//
// Every operation is submitted as a single entry tagged with the task slot and
// a generation counter; completions whose tag no longer matches a live
// registration (after Unregister) are dropped. Readiness waits use POLL_ADD,
// so the observable results match the epoll backend.
package uring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/Swind/go-coro-runner/reactor"
)

const (
	defaultEntries = 256

	wakeTag   = ^uint64(0)
	waitTag   = ^uint64(0) - 1
	cancelTag = ^uint64(0) - 2
)

type registration struct {
	task int
	gen  uint32
	op   reactor.Op
	ts   kernelTimespec
}

func (reg *registration) tag() uint64 {
	return uint64(uint32(reg.task))<<32 | uint64(reg.gen)
}

// Reactor is the ring-backed backend.
type Reactor struct {
	ring *Ring

	regs      map[int]*registration
	cancelled map[uint64]*registration // kept alive until the kernel lets go
	gen       uint32

	wakefd    int
	wakeArmed bool
	wakeBuf   [8]byte
	waitTS    kernelTimespec

	closed atomic.Bool
}

var _ reactor.Reactor = (*Reactor)(nil)

// New sets up a ring with the given number of submission entries (rounded up
// by the kernel to a power of two) and an eventfd for Wake.
func New(entries uint32) (*Reactor, error) {
	if entries == 0 {
		entries = defaultEntries
	}

	ring, err := Setup(entries)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("eventfd: %w", err), ring.Close())
	}

	return &Reactor{
		ring:      ring,
		regs:      make(map[int]*registration),
		cancelled: make(map[uint64]*registration),
		wakefd:    wakefd,
	}, nil
}

// Name implements reactor.Reactor.
func (r *Reactor) Name() string { return "io_uring" }

// Pending implements reactor.Reactor.
func (r *Reactor) Pending() int { return len(r.regs) }

// reserve returns a free submission entry, flushing queued entries to the
// kernel once if the ring is full.
func (r *Reactor) reserve() (*sqe, error) {
	if e, ok := r.ring.next(); ok {
		return e, nil
	}
	if err := r.ring.enter(0, 0); err != nil {
		return nil, err
	}
	if e, ok := r.ring.next(); ok {
		return e, nil
	}
	return nil, reactor.ErrQueueFull
}

// Register implements reactor.Reactor.
func (r *Reactor) Register(task int, op reactor.Op) error {
	if r.closed.Load() {
		return reactor.ErrClosed
	}
	if _, ok := r.regs[task]; ok {
		return reactor.ErrDuplicate
	}

	r.gen++
	reg := &registration{task: task, gen: r.gen, op: op}

	e, err := r.reserve()
	if err != nil {
		return err
	}

	switch op.Kind {
	case reactor.OpNop:
		e.opcode = opNop
	case reactor.OpPoll:
		e.opcode = opPollAdd
		e.fd = int32(op.FD)
		e.opFlags = uint32(op.Events &^ (reactor.EventEdge | reactor.EventOneShot | reactor.EventExclusive | reactor.EventWakeup))
	case reactor.OpRead, reactor.OpWrite:
		e.opcode = opRead
		if op.Kind == reactor.OpWrite {
			e.opcode = opWrite
		}
		e.fd = int32(op.FD)
		e.off = ^uint64(0) // current file position
		if len(op.Buf) > 0 {
			e.addr = uint64(uintptr(unsafe.Pointer(&op.Buf[0])))
			e.len = uint32(len(op.Buf))
		}
	case reactor.OpTimeout:
		d := max(op.Timeout, 0)
		reg.ts = kernelTimespec{sec: int64(d / time.Second), nsec: int64(d % time.Second)}
		e.opcode = opTimeout
		e.addr = uint64(uintptr(unsafe.Pointer(&reg.ts)))
		e.len = 1
	default:
		// Hand the reserved slot back as a harmless no-op.
		e.opcode = opNop
		e.userData = cancelTag
		r.ring.publish()
		return fmt.Errorf("%w: %s", reactor.ErrUnsupportedOp, op.Kind)
	}

	e.userData = reg.tag()
	r.ring.publish()
	r.regs[task] = reg
	return nil
}

// Unregister implements reactor.Reactor.
func (r *Reactor) Unregister(task int) error {
	reg, ok := r.regs[task]
	if !ok {
		return nil
	}
	delete(r.regs, task)
	r.cancelled[reg.tag()] = reg

	e, err := r.reserve()
	if err != nil {
		// The late completion is still filtered out by its tag.
		return nil
	}
	e.opcode = opAsyncCancel
	e.addr = reg.tag()
	e.userData = cancelTag
	r.ring.publish()
	return nil
}

func (r *Reactor) armWake() {
	if r.wakeArmed {
		return
	}
	e, err := r.reserve()
	if err != nil {
		return
	}
	e.opcode = opPollAdd
	e.fd = int32(r.wakefd)
	e.opFlags = uint32(reactor.EventIn)
	e.userData = wakeTag
	r.ring.publish()
	r.wakeArmed = true
}

// Poll implements reactor.Reactor.
func (r *Reactor) Poll(timeout time.Duration, dst []reactor.Completion) ([]reactor.Completion, error) {
	if r.closed.Load() {
		return dst, reactor.ErrClosed
	}

	r.armWake()

	var err error
	switch {
	case timeout == 0 || r.ring.ready():
		err = r.ring.enter(0, 0)
	case timeout < 0:
		err = r.ring.enter(1, enterGetEvents)
	default:
		e, rerr := r.reserve()
		if rerr != nil {
			err = r.ring.enter(0, 0)
			break
		}
		r.waitTS = kernelTimespec{sec: int64(timeout / time.Second), nsec: int64(timeout % time.Second)}
		e.opcode = opTimeout
		e.addr = uint64(uintptr(unsafe.Pointer(&r.waitTS)))
		e.len = 1
		e.off = 1 // also complete as soon as one other completion is posted
		e.userData = waitTag
		r.ring.publish()
		err = r.ring.enter(1, enterGetEvents)
	}
	if err != nil {
		return dst, err
	}

	r.ring.drain(func(c cqe) {
		switch c.userData {
		case wakeTag:
			r.wakeArmed = false
			_, _ = unix.Read(r.wakefd, r.wakeBuf[:])
			return
		case waitTag, cancelTag:
			return
		}

		task := int(int32(c.userData >> 32))
		reg, ok := r.regs[task]
		if !ok || reg.tag() != c.userData {
			delete(r.cancelled, c.userData)
			return
		}
		delete(r.regs, task)

		res := c.res
		if reg.op.Kind == reactor.OpTimeout && res == -int32(syscall.ETIME) {
			res = 0
		}
		dst = append(dst, reactor.Completion{Task: task, Result: res})
	})
	return dst, nil
}

// Wake implements reactor.Reactor. It is safe to call from any goroutine.
func (r *Reactor) Wake() error {
	if r.closed.Load() {
		return reactor.ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(r.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close implements reactor.Reactor.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result error
	if err := r.ring.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := unix.Close(r.wakefd); err != nil {
		result = multierror.Append(result, fmt.Errorf("close eventfd: %w", err))
	}
	clear(r.regs)
	clear(r.cancelled)
	return result
}
