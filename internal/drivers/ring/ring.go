// Package ring implements the descriptor bookkeeping shared by the
// software drivers: receive buffers posted from a packet allocator and
// the frames filled into them, bounded by the descriptor count.
//
// A Ring is not safe for concurrent use; drivers guard it with their own
// lock.
package ring

import (
	"fmt"

	"github.com/tinyrange/netdev/internal/netdev"
)

const (
	MinDescriptors = 1
	MaxDescriptors = 4096
)

// CheckDescriptors validates a descriptor count against QueueInfo.
func CheckDescriptors(nbDesc uint16) error {
	if nbDesc < MinDescriptors || nbDesc > MaxDescriptors || nbDesc&(nbDesc-1) != 0 {
		return fmt.Errorf("%d descriptors, want a power of two in [%d, %d]: %w",
			nbDesc, MinDescriptors, MaxDescriptors, netdev.ErrInvalid)
	}
	return nil
}

// QueueInfo fills qi with the limits CheckDescriptors enforces.
func QueueInfo(qi *netdev.QueueInfo) {
	qi.NbMin = MinDescriptors
	qi.NbMax = MaxDescriptors
	qi.NbAlign = 1
	qi.NbIsPowerOf2 = true
}

type Ring struct {
	nbDesc      uint16
	alloc       netdev.PacketAllocator
	allocCookie any

	posted [][]byte
	filled [][]byte

	// Interrupts is set while rx events should be raised for the queue.
	Interrupts bool
	Dropped    uint64
}

// New creates a ring of nbDesc descriptors and posts the initial buffers.
func New(nbDesc uint16, conf *netdev.RxQueueConfig) *Ring {
	r := &Ring{
		nbDesc:      nbDesc,
		alloc:       conf.Alloc,
		allocCookie: conf.AllocCookie,
	}
	r.Refill()
	return r
}

// Refill asks the allocator for buffers until every descriptor is in use.
// It reports whether the ring is fully posted.
func (r *Ring) Refill() bool {
	missing := int(r.nbDesc) - len(r.posted) - len(r.filled)
	if missing <= 0 {
		return true
	}
	bufs := make([][]byte, missing)
	got := r.alloc(r.allocCookie, bufs)
	if got < 0 || got > missing {
		panic(fmt.Sprintf("ring: allocator returned %d buffers for %d slots", got, missing))
	}
	for _, b := range bufs[:got] {
		if b != nil {
			r.posted = append(r.posted, b)
		}
	}
	return len(r.posted)+len(r.filled) == int(r.nbDesc)
}

// Take removes the next posted buffer and returns it at full capacity, or
// nil when none is posted.
func (r *Ring) Take() []byte {
	if len(r.posted) == 0 {
		return nil
	}
	b := r.posted[0]
	r.posted[0] = nil
	r.posted = r.posted[1:]
	return b[:cap(b)]
}

// Push queues a filled buffer for Pop.
func (r *Ring) Push(b []byte) { r.filled = append(r.filled, b) }

// Deliver copies frame into the next posted buffer. The frame is dropped
// and counted when no buffer is posted or the buffer is too small.
func (r *Ring) Deliver(frame []byte) bool {
	if len(r.posted) == 0 || cap(r.posted[0]) < len(frame) {
		r.Dropped++
		return false
	}
	b := r.Take()[:len(frame)]
	copy(b, frame)
	r.Push(b)
	return true
}

// Pop returns the oldest filled buffer and reposts descriptors. The
// status carries StatusUnderrun when the allocator could not refill the
// ring and StatusMore when further frames are waiting.
func (r *Ring) Pop() ([]byte, netdev.Status) {
	var status netdev.Status
	var pkt []byte
	if len(r.filled) > 0 {
		pkt = r.filled[0]
		r.filled[0] = nil
		r.filled = r.filled[1:]
		status |= netdev.StatusSuccess
	}
	if !r.Refill() {
		status |= netdev.StatusUnderrun
	}
	if len(r.filled) > 0 {
		status |= netdev.StatusMore
	}
	return pkt, status
}

// Pending reports whether filled frames are waiting.
func (r *Ring) Pending() bool { return len(r.filled) > 0 }
