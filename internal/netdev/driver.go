package netdev

import (
	"net"

	"github.com/tinyrange/netdev/internal/einfo"
)

// MaxQueues is the number of receive and transmit queue slots every device
// has. Drivers claiming more queues are clamped to this value.
const MaxQueues = 16

// Driver is the set of operations every network driver must implement.
// Optional operations are expressed as the separate interfaces below and
// are discovered once, when the device is registered.
type Driver interface {
	// Info fills in the device capabilities. info has been zeroed.
	Info(dev *Device, info *Info)
	Configure(dev *Device, conf *Config) error

	RxQueueInfo(dev *Device, queue uint16, qi *QueueInfo) error
	TxQueueInfo(dev *Device, queue uint16, qi *QueueInfo) error

	// ConfigureRxQueue allocates a receive queue and returns its handle.
	// A nil handle is only allowed together with a non-nil error.
	ConfigureRxQueue(dev *Device, queue uint16, nbDesc uint16, conf *RxQueueConfig) (RxQueue, error)
	ConfigureTxQueue(dev *Device, queue uint16, nbDesc uint16, conf *TxQueueConfig) (TxQueue, error)

	Start(dev *Device) error

	Promiscuous(dev *Device) bool
	MTU(dev *Device) uint16

	// RxOne dequeues a single received packet. StatusSuccess is set when
	// a packet is returned, StatusMore when further packets are waiting.
	RxOne(dev *Device, q RxQueue) ([]byte, Status, error)
	// TxOne enqueues a single packet for transmission. StatusSuccess is
	// cleared when the queue had no room for it.
	TxOne(dev *Device, q TxQueue, pkt []byte) (Status, error)
}

type Prober interface {
	Probe(dev *Device) error
}

type EinfoProvider interface {
	Einfo(dev *Device, kind einfo.Kind) (string, bool)
}

type HWAddrGetter interface {
	HWAddr(dev *Device) net.HardwareAddr
}

type HWAddrSetter interface {
	SetHWAddr(dev *Device, addr net.HardwareAddr) error
}

type PromiscuousSetter interface {
	SetPromiscuous(dev *Device, on bool) error
}

type MTUSetter interface {
	SetMTU(dev *Device, mtu uint16) error
}

// RxInterruptController switches event signalling for a receive queue on
// and off. Enable reports whether packets were already waiting, in which
// case the caller must drain the queue because no event will be raised for
// them.
type RxInterruptController interface {
	RxQueueInterruptEnable(dev *Device, q RxQueue) (pending bool, err error)
	RxQueueInterruptDisable(dev *Device, q RxQueue) error
}

// QueueReleaser frees queues so their slots can be configured again.
type QueueReleaser interface {
	ReleaseRxQueue(dev *Device, q RxQueue) error
	ReleaseTxQueue(dev *Device, q TxQueue) error
}

// RxQueue and TxQueue are opaque, driver-owned queue handles.
type (
	RxQueue any
	TxQueue any
)

// Feature is a bit set of optional device features.
type Feature uint32

const (
	FeatureRxQueueInterrupt Feature = 1 << iota
	FeaturePartialChecksum
)

func (f Feature) Has(other Feature) bool { return f&other == other }

// Info describes device capabilities as reported by Device.Info.
type Info struct {
	MaxRxQueues uint16
	MaxTxQueues uint16
	MaxMTU      uint16
	// Headroom the driver needs in front of a packet.
	NbEncapTx uint16
	NbEncapRx uint16
	IOAlign   uint16
	Features  Feature
}

// QueueInfo describes the descriptor limits of a queue.
type QueueInfo struct {
	NbMin        uint16
	NbMax        uint16
	NbAlign      uint16
	NbIsPowerOf2 bool
}

// Config selects how many queues Configure prepares.
type Config struct {
	NbRxQueues uint16
	NbTxQueues uint16
}

// EventFunc is invoked for every receive event on a queue.
type EventFunc func(dev *Device, queue uint16, cookie any)

// PacketAllocator fills bufs with receive buffers and returns how many it
// provided.
type PacketAllocator func(cookie any, bufs [][]byte) int

// RxQueueConfig configures a receive queue.
type RxQueueConfig struct {
	Alloc       PacketAllocator
	AllocCookie any

	// Callback is optional. Without it the queue is poll-only.
	Callback EventFunc
	Cookie   any
	// Dispatch runs Callback on a dedicated goroutine instead of in the
	// context of the driver raising the event.
	Dispatch bool
}

// TxQueueConfig configures a transmit queue. It currently has no options.
type TxQueueConfig struct{}

// Status is the outcome of a packet hook.
type Status uint8

const (
	StatusSuccess Status = 1 << iota
	StatusMore
	StatusUnderrun
)

func (s Status) Has(other Status) bool { return s&other == other }

// capabilities holds the optional driver interfaces resolved at
// registration. A nil field means the operation is not supported.
type capabilities struct {
	probe      Prober
	einfo      EinfoProvider
	hwaddrGet  HWAddrGetter
	hwaddrSet  HWAddrSetter
	promiscSet PromiscuousSetter
	mtuSet     MTUSetter
	rxIntr     RxInterruptController
	release    QueueReleaser
}

func resolveCapabilities(drv Driver) capabilities {
	var c capabilities
	c.probe, _ = drv.(Prober)
	c.einfo, _ = drv.(EinfoProvider)
	c.hwaddrGet, _ = drv.(HWAddrGetter)
	c.hwaddrSet, _ = drv.(HWAddrSetter)
	c.promiscSet, _ = drv.(PromiscuousSetter)
	c.mtuSet, _ = drv.(MTUSetter)
	c.rxIntr, _ = drv.(RxInterruptController)
	c.release, _ = drv.(QueueReleaser)
	return c
}
