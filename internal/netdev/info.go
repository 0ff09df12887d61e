package netdev

import (
	"fmt"

	"github.com/tinyrange/netdev/internal/einfo"
)

// Info queries the device capabilities. Queue maxima are clamped to
// MaxQueues.
func (d *Device) Info(info *Info) {
	if info == nil {
		panic("netdev: info requires an output value")
	}
	d.requireState("info", StateUnconfigured)

	*info = Info{}
	d.driver.Info(d, info)

	info.MaxRxQueues = min(info.MaxRxQueues, MaxQueues)
	info.MaxTxQueues = min(info.MaxTxQueues, MaxQueues)
}

func (d *Device) RxQueueInfo(queue uint16, qi *QueueInfo) error {
	checkQueueID(queue)
	if qi == nil {
		panic("netdev: rx queue info requires an output value")
	}
	*qi = QueueInfo{}
	return d.driver.RxQueueInfo(d, queue, qi)
}

func (d *Device) TxQueueInfo(queue uint16, qi *QueueInfo) error {
	checkQueueID(queue)
	if qi == nil {
		panic("netdev: tx queue info requires an output value")
	}
	*qi = QueueInfo{}
	return d.driver.TxQueueInfo(d, queue, qi)
}

// Einfo returns extended network information. Boot-time overrides take
// precedence over values reported by the driver.
//
// Address and mask are withheld whenever a CIDR is known, from either the
// overrides or the driver, since the CIDR already carries both.
func (d *Device) Einfo(kind einfo.Kind) (string, bool) {
	d.requireState("einfo", StateUnconfigured)

	if d.overrides != nil {
		switch kind {
		case einfo.IPv4Addr, einfo.IPv4Mask:
			if d.overrides.CIDR != "" || d.driverHasCIDR() {
				return "", false
			}
		default:
			if v, ok := d.overrides.Lookup(kind); ok {
				return v, true
			}
		}
	}

	if d.caps.einfo == nil {
		return "", false
	}
	switch kind {
	case einfo.IPv4Addr, einfo.IPv4Mask:
		if d.driverHasCIDR() {
			return "", false
		}
	}
	v, ok := d.caps.einfo.Einfo(d, kind)
	if v == "" {
		return "", false
	}
	return v, ok
}

func (d *Device) driverHasCIDR() bool {
	if d.caps.einfo == nil {
		return false
	}
	v, ok := d.caps.einfo.Einfo(d, einfo.IPv4CIDR)
	return ok && v != ""
}

func checkQueueID(queue uint16) {
	if queue >= MaxQueues {
		panic(fmt.Sprintf("netdev: queue %d out of range, at most %d queues", queue, MaxQueues))
	}
}
