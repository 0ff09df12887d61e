package ring

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/netdev/internal/netdev"
)

func buffers(size int, budget *int) netdev.PacketAllocator {
	return func(cookie any, bufs [][]byte) int {
		n := 0
		for i := range bufs {
			if budget != nil {
				if *budget == 0 {
					break
				}
				*budget--
			}
			bufs[i] = make([]byte, size)
			n++
		}
		return n
	}
}

func TestCheckDescriptors(t *testing.T) {
	for nb, ok := range map[uint16]bool{0: false, 1: true, 3: false, 256: true, 4096: true, 8192: false} {
		err := CheckDescriptors(nb)
		if ok != (err == nil) {
			t.Fatalf("CheckDescriptors(%d) = %v", nb, err)
		}
		if err != nil && !errors.Is(err, netdev.ErrInvalid) {
			t.Fatalf("CheckDescriptors(%d) = %v, want ErrInvalid", nb, err)
		}
	}

	var qi netdev.QueueInfo
	QueueInfo(&qi)
	if qi.NbMin != MinDescriptors || qi.NbMax != MaxDescriptors || !qi.NbIsPowerOf2 {
		t.Fatalf("QueueInfo = %+v", qi)
	}
}

func TestDeliverAndPop(t *testing.T) {
	r := New(2, &netdev.RxQueueConfig{Alloc: buffers(64, nil)})

	if !r.Deliver([]byte{1, 2, 3}) || !r.Deliver([]byte{4}) {
		t.Fatalf("deliver into posted buffers failed")
	}
	if r.Deliver([]byte{5}) || r.Dropped != 1 {
		t.Fatalf("deliver beyond descriptors accepted, dropped=%d", r.Dropped)
	}

	pkt, st := r.Pop()
	if !bytes.Equal(pkt, []byte{1, 2, 3}) || st != netdev.StatusSuccess|netdev.StatusMore {
		t.Fatalf("pop = %x %b", pkt, st)
	}
	pkt, st = r.Pop()
	if !bytes.Equal(pkt, []byte{4}) || st != netdev.StatusSuccess {
		t.Fatalf("pop = %x %b", pkt, st)
	}
	if pkt, st = r.Pop(); pkt != nil || st != 0 {
		t.Fatalf("pop on empty ring = %x %b", pkt, st)
	}
	if r.Pending() {
		t.Fatalf("empty ring reports pending frames")
	}
}

func TestDeliverDropsOversizedFrames(t *testing.T) {
	r := New(4, &netdev.RxQueueConfig{Alloc: buffers(8, nil)})
	if r.Deliver(make([]byte, 9)) {
		t.Fatalf("oversized frame accepted")
	}
	if r.Dropped != 1 || r.Pending() {
		t.Fatalf("dropped=%d pending=%v", r.Dropped, r.Pending())
	}
}

func TestUnderrun(t *testing.T) {
	budget := 1
	r := New(4, &netdev.RxQueueConfig{Alloc: buffers(64, &budget)})

	b := r.Take()
	if len(b) != 64 {
		t.Fatalf("Take returned %d bytes", len(b))
	}
	r.Push(b[:10])
	if r.Take() != nil {
		t.Fatalf("Take without posted buffers returned a buffer")
	}

	pkt, st := r.Pop()
	if len(pkt) != 10 || !st.Has(netdev.StatusSuccess|netdev.StatusUnderrun) {
		t.Fatalf("pop = %d bytes %b", len(pkt), st)
	}
}

func TestAllocatorCookie(t *testing.T) {
	var seen any
	alloc := func(cookie any, bufs [][]byte) int {
		seen = cookie
		return 0
	}
	New(1, &netdev.RxQueueConfig{Alloc: alloc, AllocCookie: "pool"})
	if seen != "pool" {
		t.Fatalf("allocator cookie = %v", seen)
	}
}

func TestRefillRejectsBadAllocatorCount(t *testing.T) {
	for _, extra := range []int{1, -5} {
		func() {
			defer func() {
				msg, _ := recover().(string)
				if !strings.HasPrefix(msg, "ring: allocator returned") {
					t.Fatalf("extra=%d: recovered %q", extra, msg)
				}
			}()
			New(4, &netdev.RxQueueConfig{Alloc: func(_ any, bufs [][]byte) int {
				if extra < 0 {
					return extra
				}
				return len(bufs) + extra
			}})
		}()
	}
}

func TestRefillCountsOnlyPostedBuffers(t *testing.T) {
	// Reports every slot as filled but leaves one of them nil.
	holes := func(_ any, bufs [][]byte) int {
		for i := 1; i < len(bufs); i++ {
			bufs[i] = make([]byte, 64)
		}
		return len(bufs)
	}
	r := New(4, &netdev.RxQueueConfig{Alloc: holes})
	if r.Refill() {
		t.Fatalf("ring with a missing buffer reported fully posted")
	}
	if !r.Deliver([]byte{1}) {
		t.Fatalf("deliver failed")
	}
	if _, st := r.Pop(); !st.Has(netdev.StatusUnderrun) {
		t.Fatalf("pop status = %b, want underrun", st)
	}
}
