package reactor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sharedRing struct {
	head    uint32
	tail    uint32
	entries []uint64
}

func newSharedRing(t *testing.T, n uint32) (*sharedRing, *Producer, *Consumer) {
	t.Helper()
	r := &sharedRing{entries: make([]uint64, n)}
	p, err := NewProducer(&r.head, &r.tail, n)
	require.NoError(t, err)
	c, err := NewConsumer(&r.head, &r.tail, n)
	require.NoError(t, err)
	return r, p, c
}

func TestRingRejectsNonPowerOfTwo(t *testing.T) {
	var head, tail uint32
	_, err := NewProducer(&head, &tail, 6)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = NewConsumer(&head, &tail, 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestRingRoundTripAcrossWrap(t *testing.T) {
	r, p, c := newSharedRing(t, 4)

	var drained []uint64
	next := uint64(100)
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			slot, ok := p.Next()
			require.True(t, ok)
			r.entries[slot] = next
			next++
		}
		assert.Equal(t, uint32(3), p.Publish())
		assert.Equal(t, uint32(3), c.Ready())

		n := c.Drain(func(slot uint32) {
			drained = append(drained, r.entries[slot])
		})
		assert.Equal(t, 3, n)
	}

	want := make([]uint64, 0, 15)
	for v := uint64(100); v < 115; v++ {
		want = append(want, v)
	}
	assert.Equal(t, want, drained)
	assert.Equal(t, uint32(15), r.head)
	assert.Equal(t, uint32(15), r.tail)
}

func TestRingFullUntilConsumerAdvances(t *testing.T) {
	r, p, c := newSharedRing(t, 2)

	for i := 0; i < 2; i++ {
		slot, ok := p.Next()
		require.True(t, ok)
		r.entries[slot] = uint64(i)
	}
	_, ok := p.Next()
	assert.False(t, ok, "ring of 2 accepted a third entry")
	assert.Equal(t, uint32(0), p.Free())

	// Nothing is visible before publish.
	assert.Equal(t, 0, c.Drain(func(uint32) { t.Fatal("drained unpublished entry") }))

	p.Publish()
	assert.Equal(t, 2, c.Drain(func(uint32) {}))
	assert.Equal(t, uint32(2), p.Free())
}

func TestRingIndicesWrapAroundUint32(t *testing.T) {
	r := &sharedRing{head: ^uint32(0) - 1, tail: ^uint32(0) - 1, entries: make([]uint64, 4)}
	p, err := NewProducer(&r.head, &r.tail, 4)
	require.NoError(t, err)
	c, err := NewConsumer(&r.head, &r.tail, 4)
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		slot, ok := p.Next()
		require.True(t, ok)
		r.entries[slot] = i
	}
	p.Publish()

	var got []uint64
	c.Drain(func(slot uint32) { got = append(got, r.entries[slot]) })
	assert.Equal(t, []uint64{0, 1, 2, 3}, got)
	assert.Equal(t, uint32(2), r.head)
}

func TestRingConcurrentProducerConsumer(t *testing.T) {
	const total = 10000
	r, p, c := newSharedRing(t, 8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := uint64(0); v < total; {
			slot, ok := p.Next()
			if !ok {
				p.Publish()
				continue
			}
			r.entries[slot] = v
			v++
			if v%3 == 0 {
				p.Publish()
			}
		}
		p.Publish()
	}()

	var got []uint64
	for len(got) < total {
		c.Drain(func(slot uint32) { got = append(got, r.entries[slot]) })
	}
	wg.Wait()

	require.Len(t, got, total)
	for i, v := range got {
		if v != uint64(i) {
			t.Fatalf("entry %d = %d, want %d", i, v, i)
		}
	}
}
