// Package reactor defines the contract between the coroutine scheduler and its
// I/O backends.
//
// A backend accepts one-shot registrations ([Op]) on behalf of a task slot and
// later reports them back as [Completion] values from [Reactor.Poll]. Two
// backends ship with this module:
//
//   - reactor/epoll: a readiness multiplexer (epoll, eventfd, timerfd)
//   - reactor/uring: a submission/completion ring shared with the kernel
//
// Both accept every [OpKind], so the scheduler never needs to know which one
// is active.
package reactor

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// Event is an open bit-set of interest flags. Values match epoll(7) and
// poll(2) so they can be handed to either kernel interface unchanged.
type Event uint32

const (
	EventIn        Event = 0x001
	EventPri       Event = 0x002
	EventOut       Event = 0x004
	EventErr       Event = 0x008
	EventHup       Event = 0x010
	EventRdHup     Event = 0x2000
	EventExclusive Event = 1 << 28
	EventWakeup    Event = 1 << 29
	EventOneShot   Event = 1 << 30
	EventEdge      Event = 1 << 31
)

// Has reports whether any bit of mask is set in e.
func (e Event) Has(mask Event) bool {
	return e&mask != 0
}

// OpKind selects what a registration waits for.
type OpKind uint8

const (
	// OpNop completes on the next poll with result 0.
	OpNop OpKind = iota
	// OpPoll waits for readiness on FD; the result is the reported event mask.
	OpPoll
	// OpRead reads into Buf once FD is readable; the result is the byte count.
	OpRead
	// OpWrite writes Buf once FD is writable; the result is the byte count.
	OpWrite
	// OpTimeout completes after Timeout with result 0.
	OpTimeout
)

func (k OpKind) String() string {
	switch k {
	case OpNop:
		return "nop"
	case OpPoll:
		return "poll"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("opkind(%d)", uint8(k))
	}
}

// Op describes one asynchronous operation. Buf must stay untouched by the
// caller until the matching completion has been delivered.
type Op struct {
	Kind    OpKind
	FD      int
	Events  Event
	Buf     []byte
	Timeout time.Duration
}

// Nop returns an operation that completes immediately.
func Nop() Op { return Op{Kind: OpNop, FD: -1} }

// Poll returns a readiness wait on fd for the given interest flags.
func Poll(fd int, events Event) Op { return Op{Kind: OpPoll, FD: fd, Events: events} }

// Read returns a read of up to len(buf) bytes from fd.
func Read(fd int, buf []byte) Op { return Op{Kind: OpRead, FD: fd, Buf: buf} }

// Write returns a write of buf to fd.
func Write(fd int, buf []byte) Op { return Op{Kind: OpWrite, FD: fd, Buf: buf} }

// Timeout returns a timer that fires after d.
func Timeout(d time.Duration) Op { return Op{Kind: OpTimeout, FD: -1, Timeout: d} }

func (op Op) String() string {
	switch op.Kind {
	case OpPoll:
		return fmt.Sprintf("poll(fd=%d, events=%#x)", op.FD, uint32(op.Events))
	case OpRead, OpWrite:
		return fmt.Sprintf("%s(fd=%d, len=%d)", op.Kind, op.FD, len(op.Buf))
	case OpTimeout:
		return fmt.Sprintf("timeout(%s)", op.Timeout)
	default:
		return op.Kind.String()
	}
}

// Completion pairs a task slot with the outcome of its registration.
// Result is non-negative on success and -errno on failure.
type Completion struct {
	Task   int
	Result int32
}

// Err returns the failure carried by c, or nil on success.
func (c Completion) Err() error {
	if c.Result >= 0 {
		return nil
	}
	return syscall.Errno(-c.Result)
}

// Reactor is the capability set a backend offers to the scheduler. It is
// owned by a single scheduler goroutine; only Wake may be called from other
// goroutines.
type Reactor interface {
	// Register files op on behalf of task. A task has at most one
	// outstanding registration.
	Register(task int, op Op) error

	// Unregister drops the registration of task, if any. A completion for it
	// is never delivered afterwards.
	Unregister(task int) error

	// Poll appends every completion that became available to dst and returns
	// the extended slice. A zero timeout never blocks; a negative timeout
	// blocks until at least one completion arrives or Wake is called.
	Poll(timeout time.Duration, dst []Completion) ([]Completion, error)

	// Wake interrupts a blocking Poll.
	Wake() error

	// Pending returns the number of outstanding registrations.
	Pending() int

	// Name identifies the backend in logs and metrics.
	Name() string

	Close() error
}

var (
	ErrClosed          = errors.New("reactor: closed")
	ErrDuplicate       = errors.New("reactor: task already has a pending registration")
	ErrBusyFD          = errors.New("reactor: descriptor already registered by another task")
	ErrUnsupportedOp   = errors.New("reactor: unsupported operation")
	ErrQueueFull       = errors.New("reactor: submission queue full")
	ErrInvalidCapacity = errors.New("reactor: ring capacity must be a power of two")
)

// MustWait reports whether err means "retry once the descriptor is ready"
// rather than a hard failure.
func MustWait(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINPROGRESS)
}

// MustWaitResult is MustWait for a raw completion result.
func MustWaitResult(res int32) bool {
	if res >= 0 {
		return false
	}
	return MustWait(syscall.Errno(-res))
}

// ErrnoResult converts a syscall error into a completion result.
func ErrnoResult(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}
