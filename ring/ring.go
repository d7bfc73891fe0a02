// Package ring implements the fixed-capacity event transport used by
// the capture path: many concurrent producers reserve and commit
// fixed-size slots without ever blocking, a single consumer drains
// committed slots in claim order.
//
// On Linux the kernel's own BPF ring buffer plays this role and is
// drained through cilium/ebpf. This package provides the same
// reserve-then-commit contract for the portable sensor and for tests:
// atomic head/tail cursors plus a per-slot sequence acting as the
// commit flag, so producers on any goroutine (or interleaved with the
// consumer) never take a lock and never wait for each other.
package ring

import (
	"fmt"
	"sync/atomic"
)

// Ring is a bounded multi-producer single-consumer slot ring.
//
// Each slot holds exactly SlotSize bytes. A producer claims a slot
// with Reserve, fills it in place, and publishes it with Commit.
// When every slot is in flight or unread, Reserve fails and the event
// is dropped; producers must not retry.
type Ring struct {
	slotSize int
	mask     uint64
	buf      []byte
	seq      []atomic.Uint64

	head atomic.Uint64 // next slot to claim, shared by producers
	tail uint64        // next slot to drain, consumer-owned

	dropped atomic.Uint64
	notify  chan struct{}
}

// Reservation is exclusive ownership of one slot between Reserve and
// Commit. The slot bytes are zeroed at reservation time so committed
// records never leak stale memory.
type Reservation struct {
	ring *Ring
	pos  uint64
	buf  []byte
}

// New creates a ring of numSlots slots of slotSize bytes each.
// numSlots must be a power of two.
func New(slotSize, numSlots int) (*Ring, error) {
	if slotSize <= 0 {
		return nil, fmt.Errorf("invalid slot size %d", slotSize)
	}
	if numSlots <= 0 || numSlots&(numSlots-1) != 0 {
		return nil, fmt.Errorf("slot count must be a power of two, got %d", numSlots)
	}

	r := &Ring{
		slotSize: slotSize,
		mask:     uint64(numSlots - 1),
		buf:      make([]byte, slotSize*numSlots),
		seq:      make([]atomic.Uint64, numSlots),
		notify:   make(chan struct{}, 1),
	}
	for i := range r.seq {
		r.seq[i].Store(uint64(i))
	}
	return r, nil
}

// Reserve claims the next free slot. It returns false when the ring
// is full; the caller must treat that as a dropped event and move on.
// Reserve never blocks.
func (r *Ring) Reserve() (*Reservation, bool) {
	for {
		pos := r.head.Load()
		idx := pos & r.mask
		seq := r.seq[idx].Load()

		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if !r.head.CompareAndSwap(pos, pos+1) {
				continue // lost the claim race, try the next slot
			}
			buf := r.buf[int(idx)*r.slotSize : (int(idx)+1)*r.slotSize]
			clear(buf)
			return &Reservation{ring: r, pos: pos, buf: buf}, true
		case diff < 0:
			// Slot still holds an unread record: ring exhausted.
			r.dropped.Add(1)
			return nil, false
		default:
			// Another producer claimed this position first.
			continue
		}
	}
}

// Bytes returns the writable slot contents. Valid only until Commit.
func (res *Reservation) Bytes() []byte {
	return res.buf
}

// Commit publishes the slot to the consumer and wakes it if it is
// waiting on Notify. The reservation must not be used afterwards.
func (res *Reservation) Commit() {
	res.ring.seq[res.pos&res.ring.mask].Store(res.pos + 1)
	select {
	case res.ring.notify <- struct{}{}:
	default:
	}
}

// Read drains the next committed record, returning a copy of the slot
// contents. It returns false when no committed record is available.
// Read must only be called from a single consumer goroutine.
func (r *Ring) Read() ([]byte, bool) {
	idx := r.tail & r.mask
	if r.seq[idx].Load() != r.tail+1 {
		return nil, false
	}

	out := make([]byte, r.slotSize)
	copy(out, r.buf[int(idx)*r.slotSize:(int(idx)+1)*r.slotSize])

	// Release the slot for a future producer lap.
	r.seq[idx].Store(r.tail + r.mask + 1)
	r.tail++
	return out, true
}

// Peek returns the next committed record without releasing the slot.
// Like Read it is consumer-only.
func (r *Ring) Peek() ([]byte, bool) {
	idx := r.tail & r.mask
	if r.seq[idx].Load() != r.tail+1 {
		return nil, false
	}
	out := make([]byte, r.slotSize)
	copy(out, r.buf[int(idx)*r.slotSize:(int(idx)+1)*r.slotSize])
	return out, true
}

// Notify returns a channel that receives a token after each commit.
// The channel has capacity one; a consumer should drain the ring
// fully after each wakeup.
func (r *Ring) Notify() <-chan struct{} {
	return r.notify
}

// Dropped returns how many reservations failed because the ring was
// full.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// SlotSize returns the fixed record size in bytes.
func (r *Ring) SlotSize() int {
	return r.slotSize
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() int {
	return int(r.mask) + 1
}
