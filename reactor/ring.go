package reactor

import "sync/atomic"

// Producer is the writing side of a single-producer single-consumer ring
// whose head and tail indices live in memory shared with the consumer.
//
// The producer owns tail. Entries are written at the slot returned by Next
// and become visible to the consumer only after Publish stores the new tail.
type Producer struct {
	head    *uint32
	tail    *uint32
	mask    uint32
	entries uint32
	local   uint32 // next tail, not yet published
}

// NewProducer returns the producer view of a ring with the given number of
// entries, which must be a power of two.
func NewProducer(head, tail *uint32, entries uint32) (*Producer, error) {
	if entries == 0 || entries&(entries-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	return &Producer{
		head:    head,
		tail:    tail,
		mask:    entries - 1,
		entries: entries,
		local:   atomic.LoadUint32(tail),
	}, nil
}

// Next reserves the slot at the current local tail. It returns false when
// the ring is full from the consumer's point of view.
func (p *Producer) Next() (uint32, bool) {
	// Acquire: slots behind head have been fully read by the consumer.
	head := atomic.LoadUint32(p.head)
	if p.local-head >= p.entries {
		return 0, false
	}
	slot := p.local & p.mask
	p.local++
	return slot, true
}

// Publish makes every reserved slot visible to the consumer and returns how
// many entries it released.
func (p *Producer) Publish() uint32 {
	// Release: entry writes above happen before the tail store.
	prev := atomic.LoadUint32(p.tail)
	if prev == p.local {
		return 0
	}
	atomic.StoreUint32(p.tail, p.local)
	return p.local - prev
}

// Unpublished returns the number of reserved but unpublished slots.
func (p *Producer) Unpublished() uint32 {
	return p.local - atomic.LoadUint32(p.tail)
}

// Free returns how many more slots Next can reserve right now.
func (p *Producer) Free() uint32 {
	return p.entries - (p.local - atomic.LoadUint32(p.head))
}

// Consumer is the reading side of the ring. It owns head.
type Consumer struct {
	head    *uint32
	tail    *uint32
	mask    uint32
	entries uint32
}

// NewConsumer returns the consumer view of a ring with the given number of
// entries, which must be a power of two.
func NewConsumer(head, tail *uint32, entries uint32) (*Consumer, error) {
	if entries == 0 || entries&(entries-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	return &Consumer{head: head, tail: tail, mask: entries - 1, entries: entries}, nil
}

// Ready returns the number of published entries not yet drained.
func (c *Consumer) Ready() uint32 {
	return atomic.LoadUint32(c.tail) - atomic.LoadUint32(c.head)
}

// Drain calls fn with the slot of every entry between the last drained head
// and the currently visible tail, then publishes the advanced head. fn must
// copy whatever it needs out of the slot before returning.
func (c *Consumer) Drain(fn func(slot uint32)) int {
	head := atomic.LoadUint32(c.head)
	// Acquire: pairs with the producer's release store of tail.
	tail := atomic.LoadUint32(c.tail)
	n := 0
	for ; head != tail; head++ {
		fn(head & c.mask)
		n++
	}
	if n > 0 {
		atomic.StoreUint32(c.head, head)
	}
	return n
}
