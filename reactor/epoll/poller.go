//go:build linux

// Package epoll implements reactor.Reactor on top of a Linux readiness
// multiplexer.
//
// Registrations are one-shot: a descriptor is added to the epoll set when a
// task files interest and removed again when the completion is delivered.
// Read and write operations are attempted right away and only wait for
// readiness when the kernel answers EAGAIN. Timeouts use a timerfd.
package epoll

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/Swind/go-coro-runner/reactor"
)

const defaultEventBatch = 128

type registration struct {
	task  int
	op    reactor.Op
	fd    int // descriptor in the epoll set; a timerfd for timeouts
	timer bool
	armed bool
}

// Poller is the readiness-multiplexer backend.
type Poller struct {
	epfd   int
	wakefd int

	regs   map[int]*registration // by task
	byFD   map[int]*registration
	ready  []reactor.Completion // completed without touching epoll
	events []unix.EpollEvent

	closed atomic.Bool
}

var _ reactor.Reactor = (*Poller)(nil)

// New creates an epoll instance plus the eventfd used by Wake. eventBatch
// bounds how many readiness events one Poll call collects.
func New(eventBatch int) (*Poller, error) {
	if eventBatch <= 0 {
		eventBatch = defaultEventBatch
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl(wake): %w", err)
	}

	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		regs:   make(map[int]*registration),
		byFD:   make(map[int]*registration),
		events: make([]unix.EpollEvent, eventBatch),
	}, nil
}

// Name implements reactor.Reactor.
func (p *Poller) Name() string { return "epoll" }

// Pending implements reactor.Reactor.
func (p *Poller) Pending() int { return len(p.regs) }

// Register implements reactor.Reactor.
func (p *Poller) Register(task int, op reactor.Op) error {
	if p.closed.Load() {
		return reactor.ErrClosed
	}
	if _, ok := p.regs[task]; ok {
		return reactor.ErrDuplicate
	}

	reg := &registration{task: task, op: op, fd: op.FD}

	switch op.Kind {
	case reactor.OpNop:
		return p.complete(reg, 0)

	case reactor.OpPoll:
		return p.arm(reg, uint32(op.Events))

	case reactor.OpRead, reactor.OpWrite:
		if res, done := p.transfer(reg); done {
			return p.complete(reg, res)
		}
		events := uint32(unix.EPOLLIN)
		if op.Kind == reactor.OpWrite {
			events = unix.EPOLLOUT
		}
		return p.arm(reg, events)

	case reactor.OpTimeout:
		if op.Timeout <= 0 {
			return p.complete(reg, 0)
		}
		tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
		if err != nil {
			return fmt.Errorf("timerfd_create: %w", err)
		}
		spec := unix.ItimerSpec{Value: unix.NsecToTimespec(op.Timeout.Nanoseconds())}
		if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
			_ = unix.Close(tfd)
			return fmt.Errorf("timerfd_settime: %w", err)
		}
		reg.fd = tfd
		reg.timer = true
		if err := p.arm(reg, unix.EPOLLIN); err != nil {
			_ = unix.Close(tfd)
			return err
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", reactor.ErrUnsupportedOp, op.Kind)
	}
}

func (p *Poller) arm(reg *registration, events uint32) error {
	if _, busy := p.byFD[reg.fd]; busy {
		return reactor.ErrBusyFD
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(reg.fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, reg.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(add fd=%d): %w", reg.fd, err)
	}
	reg.armed = true
	p.regs[reg.task] = reg
	p.byFD[reg.fd] = reg
	return nil
}

func (p *Poller) complete(reg *registration, res int32) error {
	p.regs[reg.task] = reg
	p.ready = append(p.ready, reactor.Completion{Task: reg.task, Result: res})
	return nil
}

// transfer performs the nonblocking read or write behind reg. done is false
// when the descriptor is not ready yet.
func (p *Poller) transfer(reg *registration) (res int32, done bool) {
	var (
		n   int
		err error
	)
	if reg.op.Kind == reactor.OpRead {
		n, err = unix.Read(reg.op.FD, reg.op.Buf)
	} else {
		n, err = unix.Write(reg.op.FD, reg.op.Buf)
	}
	switch {
	case err == nil:
		return int32(n), true
	case reactor.MustWait(err) || err == unix.EINTR:
		return 0, false
	default:
		return reactor.ErrnoResult(err), true
	}
}

func (p *Poller) disarm(reg *registration) error {
	var result error
	if reg.armed {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil {
			result = multierror.Append(result, fmt.Errorf("epoll_ctl(del fd=%d): %w", reg.fd, err))
		}
		delete(p.byFD, reg.fd)
		reg.armed = false
	}
	if reg.timer {
		if err := unix.Close(reg.fd); err != nil {
			result = multierror.Append(result, fmt.Errorf("close timerfd: %w", err))
		}
		reg.timer = false
	}
	delete(p.regs, reg.task)
	return result
}

// Unregister implements reactor.Reactor.
func (p *Poller) Unregister(task int) error {
	reg, ok := p.regs[task]
	if !ok {
		return nil
	}
	for i, c := range p.ready {
		if c.Task == task {
			p.ready = append(p.ready[:i], p.ready[i+1:]...)
			break
		}
	}
	return p.disarm(reg)
}

// Poll implements reactor.Reactor.
func (p *Poller) Poll(timeout time.Duration, dst []reactor.Completion) ([]reactor.Completion, error) {
	if p.closed.Load() {
		return dst, reactor.ErrClosed
	}

	for _, c := range p.ready {
		delete(p.regs, c.Task)
		dst = append(dst, c)
	}
	if len(p.ready) > 0 {
		p.ready = p.ready[:0]
		timeout = 0
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		reg, ok := p.byFD[fd]
		if !ok {
			continue
		}

		var res int32
		switch reg.op.Kind {
		case reactor.OpPoll:
			res = int32(ev.Events)
		case reactor.OpTimeout:
			var buf [8]byte
			_, _ = unix.Read(reg.fd, buf[:])
		default:
			var done bool
			if res, done = p.transfer(reg); !done {
				// Spurious wakeup, keep waiting.
				continue
			}
		}

		if err := p.disarm(reg); err != nil {
			return dst, err
		}
		dst = append(dst, reactor.Completion{Task: reg.task, Result: res})
	}
	return dst, nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

// Wake implements reactor.Reactor. It is safe to call from any goroutine.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return reactor.ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close implements reactor.Reactor.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result error
	for _, reg := range p.regs {
		if err := p.disarm(reg); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.ready = nil
	if err := unix.Close(p.wakefd); err != nil {
		result = multierror.Append(result, fmt.Errorf("close eventfd: %w", err))
	}
	if err := unix.Close(p.epfd); err != nil {
		result = multierror.Append(result, fmt.Errorf("close epoll: %w", err))
	}
	return result
}

func timeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
