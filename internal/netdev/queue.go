package netdev

import (
	"fmt"
)

// ConfigureRxQueue sets up receive queue `queue` with nbDesc descriptors.
// The device must be Configured and the queue must not be set up already.
// On failure nothing of the queue survives.
func (d *Device) ConfigureRxQueue(queue uint16, nbDesc uint16, conf *RxQueueConfig) error {
	checkQueueID(queue)
	if conf == nil {
		panic("netdev: rx queue configure requires a configuration")
	}
	if conf.Alloc == nil {
		panic("netdev: rx queue configure requires a packet allocator")
	}

	if s := d.State(); s != StateConfigured {
		return fmt.Errorf("configure rx queue %d of %s in state %s: %w", queue, d, s, ErrInvalidState)
	}
	if d.rxQueues[queue] != nil {
		return ErrBusy
	}
	if conf.Callback != nil && conf.Dispatch && !d.dispatchers {
		return fmt.Errorf("rx queue %d of %s: dispatchers disabled: %w", queue, d, ErrNotSupported)
	}

	h := newEventHandler(d, queue, "rxq", conf.Callback, conf.Cookie, conf.Dispatch)
	d.rxHandlers[queue] = h

	q, err := d.driver.ConfigureRxQueue(d, queue, nbDesc, conf)
	if err != nil {
		d.rxHandlers[queue] = nil
		h.destroy(d)
		return err
	}
	if q == nil {
		panic(fmt.Sprintf("netdev: driver %s returned no rx queue for %s", d.driverName, d))
	}

	d.rxQueues[queue] = q
	d.log.Info("configured receive queue", "queue", queue, "descriptors", nbDesc, "dispatcher", h.hasDispatcher())
	return nil
}

func (d *Device) ConfigureTxQueue(queue uint16, nbDesc uint16, conf *TxQueueConfig) error {
	checkQueueID(queue)
	if conf == nil {
		panic("netdev: tx queue configure requires a configuration")
	}

	if s := d.State(); s != StateConfigured {
		return fmt.Errorf("configure tx queue %d of %s in state %s: %w", queue, d, s, ErrInvalidState)
	}
	if d.txQueues[queue] != nil {
		return ErrBusy
	}

	q, err := d.driver.ConfigureTxQueue(d, queue, nbDesc, conf)
	if err != nil {
		return err
	}
	if q == nil {
		panic(fmt.Sprintf("netdev: driver %s returned no tx queue for %s", d.driverName, d))
	}

	d.txQueues[queue] = q
	d.log.Info("configured transmit queue", "queue", queue, "descriptors", nbDesc)
	return nil
}

// ReleaseRxQueue frees a configured receive queue and stops its
// dispatcher. It must not be called from the queue's own callback.
func (d *Device) ReleaseRxQueue(queue uint16) error {
	checkQueueID(queue)
	if s := d.State(); s != StateConfigured {
		return fmt.Errorf("release rx queue %d of %s in state %s: %w", queue, d, s, ErrInvalidState)
	}
	if d.rxQueues[queue] == nil {
		return fmt.Errorf("rx queue %d of %s is not configured: %w", queue, d, ErrInvalid)
	}
	if d.caps.release == nil {
		return ErrNotSupported
	}
	if err := d.caps.release.ReleaseRxQueue(d, d.rxQueues[queue]); err != nil {
		return err
	}

	if h := d.rxHandlers[queue]; h != nil {
		h.destroy(d)
	}
	d.rxHandlers[queue] = nil
	d.rxQueues[queue] = nil
	d.log.Info("released receive queue", "queue", queue)
	return nil
}

func (d *Device) ReleaseTxQueue(queue uint16) error {
	checkQueueID(queue)
	if s := d.State(); s != StateConfigured {
		return fmt.Errorf("release tx queue %d of %s in state %s: %w", queue, d, s, ErrInvalidState)
	}
	if d.txQueues[queue] == nil {
		return fmt.Errorf("tx queue %d of %s is not configured: %w", queue, d, ErrInvalid)
	}
	if d.caps.release == nil {
		return ErrNotSupported
	}
	if err := d.caps.release.ReleaseTxQueue(d, d.txQueues[queue]); err != nil {
		return err
	}

	d.txQueues[queue] = nil
	d.log.Info("released transmit queue", "queue", queue)
	return nil
}

// RxQueueHandle returns the driver handle of a receive queue, nil when the
// slot is empty.
func (d *Device) RxQueueHandle(queue uint16) RxQueue {
	checkQueueID(queue)
	return d.rxQueues[queue]
}

func (d *Device) TxQueueHandle(queue uint16) TxQueue {
	checkQueueID(queue)
	return d.txQueues[queue]
}

func (d *Device) rxQueue(op string, queue uint16) RxQueue {
	checkQueueID(queue)
	d.requireState(op, StateRunning)
	q := d.rxQueues[queue]
	if q == nil {
		panic(fmt.Sprintf("netdev: %s on unconfigured rx queue %d of %s", op, queue, d))
	}
	return q
}

func (d *Device) txQueue(op string, queue uint16) TxQueue {
	checkQueueID(queue)
	d.requireState(op, StateRunning)
	q := d.txQueues[queue]
	if q == nil {
		panic(fmt.Sprintf("netdev: %s on unconfigured tx queue %d of %s", op, queue, d))
	}
	return q
}

// RxQueueInterruptEnable turns on event signalling for a receive queue.
// pending reports packets that arrived while signalling was off; the
// caller has to drain them with RxOne.
func (d *Device) RxQueueInterruptEnable(queue uint16) (pending bool, err error) {
	q := d.rxQueue("rx interrupt enable", queue)
	if d.caps.rxIntr == nil {
		return false, ErrNotSupported
	}
	return d.caps.rxIntr.RxQueueInterruptEnable(d, q)
}

func (d *Device) RxQueueInterruptDisable(queue uint16) error {
	q := d.rxQueue("rx interrupt disable", queue)
	if d.caps.rxIntr == nil {
		return ErrNotSupported
	}
	return d.caps.rxIntr.RxQueueInterruptDisable(d, q)
}

func (d *Device) RxOne(queue uint16) ([]byte, Status, error) {
	return d.driver.RxOne(d, d.rxQueue("rx", queue))
}

func (d *Device) TxOne(queue uint16, pkt []byte) (Status, error) {
	return d.driver.TxOne(d, d.txQueue("tx", queue), pkt)
}

// RxQueueEvent is called by drivers when packets arrived on a receive
// queue. Depending on how the queue was configured the callback runs
// inline, is handed to the queue's dispatcher, or nothing happens.
func (d *Device) RxQueueEvent(queue uint16) {
	checkQueueID(queue)
	if h := d.rxHandlers[queue]; h != nil {
		h.signal(d, queue)
	}
}
