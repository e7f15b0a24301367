//go:build linux

package uring

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/Swind/go-coro-runner/reactor"
)

// Ring owns one io_uring instance and the three regions it shares with the
// kernel: the submission ring, the completion ring (possibly the same
// mapping) and the submission entry array.
type Ring struct {
	fd int

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte
	single bool

	sq      *reactor.Producer
	cq      *reactor.Consumer
	sqArray []uint32
	sqes    []sqe
	cqes    []cqe

	unsubmitted uint32
}

// Setup creates a ring with room for at least entries submissions.
func Setup(entries uint32) (*Ring, error) {
	var p params
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd)}
	if err := r.mmap(&p); err != nil {
		return nil, multierror.Append(err, r.Close())
	}
	return r, nil
}

func (r *Ring) mmap(p *params) error {
	sqLen := int(p.sqOff.array) + int(p.sqEntries)*4
	cqLen := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(cqe{}))

	r.single = p.features&featSingleMmap != 0
	if r.single {
		sqLen = max(sqLen, cqLen)
		cqLen = sqLen
	}

	var err error
	r.sqMem, err = unix.Mmap(r.fd, offSQRing, sqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}

	if r.single {
		r.cqMem = r.sqMem
	} else {
		r.cqMem, err = unix.Mmap(r.fd, offCQRing, cqLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return fmt.Errorf("mmap cq ring: %w", err)
		}
	}

	sqeLen := int(p.sqEntries) * int(unsafe.Sizeof(sqe{}))
	r.sqeMem, err = unix.Mmap(r.fd, offSQEs, sqeLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sq, err = reactor.NewProducer(u32(r.sqMem, p.sqOff.head), u32(r.sqMem, p.sqOff.tail), p.sqEntries)
	if err != nil {
		return err
	}
	r.cq, err = reactor.NewConsumer(u32(r.cqMem, p.cqOff.head), u32(r.cqMem, p.cqOff.tail), p.cqEntries)
	if err != nil {
		return err
	}

	r.sqArray = unsafe.Slice(u32(r.sqMem, p.sqOff.array), p.sqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqeMem[0])), p.sqEntries)
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&r.cqMem[p.cqOff.cqes])), p.cqEntries)
	return nil
}

func u32(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// next reserves a submission entry at the current tail. The returned entry is
// zeroed. It becomes visible to the kernel on the next publish.
func (r *Ring) next() (*sqe, bool) {
	slot, ok := r.sq.Next()
	if !ok {
		return nil, false
	}
	e := &r.sqes[slot]
	*e = sqe{}
	r.sqArray[slot] = slot
	return e, true
}

// publish stores the new submission tail.
func (r *Ring) publish() {
	r.unsubmitted += r.sq.Publish()
}

// enter hands published entries to the kernel and optionally waits for
// minComplete completions.
func (r *Ring) enter(minComplete uint32, flags uint32) error {
	if r.unsubmitted == 0 && minComplete == 0 {
		return nil
	}
	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(r.unsubmitted),
			uintptr(minComplete), uintptr(flags), 0, 0)
		switch errno {
		case 0:
			r.unsubmitted -= min(uint32(n), r.unsubmitted)
			return nil
		case syscall.EINTR:
			if minComplete == 0 {
				continue
			}
			return nil
		case syscall.EAGAIN, syscall.EBUSY:
			// Completion queue is backed up; the caller drains and retries.
			return nil
		default:
			return fmt.Errorf("io_uring_enter: %w", errno)
		}
	}
}

// drain calls fn for every visible completion and publishes the new head.
func (r *Ring) drain(fn func(cqe)) int {
	return r.cq.Drain(func(slot uint32) {
		fn(r.cqes[slot])
	})
}

// ready reports whether completions are waiting to be drained.
func (r *Ring) ready() bool {
	return r.cq.Ready() > 0
}

// Close unmaps the shared regions and closes the ring descriptor.
func (r *Ring) Close() error {
	var result error
	if r.sqeMem != nil {
		if err := unix.Munmap(r.sqeMem); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap sqes: %w", err))
		}
		r.sqeMem = nil
	}
	if r.cqMem != nil && !r.single {
		if err := unix.Munmap(r.cqMem); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap cq ring: %w", err))
		}
	}
	r.cqMem = nil
	if r.sqMem != nil {
		if err := unix.Munmap(r.sqMem); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap sq ring: %w", err))
		}
		r.sqMem = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			result = multierror.Append(result, fmt.Errorf("close ring: %w", err))
		}
		r.fd = -1
	}
	r.sqes, r.cqes, r.sqArray = nil, nil, nil
	return result
}
