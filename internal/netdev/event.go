package netdev

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync/atomic"
)

// eventHandler delivers receive events of one queue to its callback.
//
// Without a callback the handler does nothing. With a callback and no
// dispatcher, signal runs the callback on the caller's goroutine. With a
// dispatcher, signal only counts the event and the dispatcher goroutine
// runs one callback per counted event.
type eventHandler struct {
	callback EventFunc
	cookie   any

	name    string
	pending atomic.Uint64
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func newEventHandler(dev *Device, queue uint16, kind string, callback EventFunc, cookie any, dispatch bool) *eventHandler {
	if callback == nil && cookie != nil {
		panic("netdev: event cookie given without a callback")
	}

	h := &eventHandler{
		callback: callback,
		cookie:   cookie,
	}
	if callback == nil || !dispatch {
		return h
	}

	h.name = fmt.Sprintf("netdev%d-%s[%d]", dev.id, kind, queue)
	h.wake = make(chan struct{}, 1)
	h.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.done)
		pprof.Do(ctx, pprof.Labels("dispatcher", h.name), func(ctx context.Context) {
			h.dispatch(ctx, dev, queue)
		})
	}()
	dev.log.Debug("started dispatcher", "dispatcher", h.name)
	return h
}

func (h *eventHandler) dispatch(ctx context.Context, dev *Device, queue uint16) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.wake:
		}

		// Only this goroutine decrements, so a non-zero load cannot race
		// to zero before the decrement.
		for h.pending.Load() > 0 {
			if ctx.Err() != nil {
				return
			}
			h.pending.Add(^uint64(0))
			h.callback(dev, queue, h.cookie)
		}
	}
}

func (h *eventHandler) hasDispatcher() bool { return h.done != nil }

func (h *eventHandler) signal(dev *Device, queue uint16) {
	switch {
	case h.hasDispatcher():
		h.pending.Add(1)
		select {
		case h.wake <- struct{}{}:
		default:
		}
	case h.callback != nil:
		h.callback(dev, queue, h.cookie)
	}
}

// destroy stops the dispatcher and waits for it to exit. Events that were
// signalled but not yet delivered are dropped. It must not be called from
// the handler's own callback.
func (h *eventHandler) destroy(dev *Device) {
	if !h.hasDispatcher() {
		return
	}
	h.cancel()
	<-h.done
	dev.log.Debug("stopped dispatcher", "dispatcher", h.name, "dropped", h.pending.Load())
	h.name = ""
}
