package netdev

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/tinyrange/netdev/internal/einfo"
)

// State is the lifecycle state of a device. States are ordered, so
// state >= StateConfigured means "configured or running".
type State uint32

const (
	StateUnprobed State = iota
	StateUnconfigured
	StateConfigured
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUnprobed:
		return "unprobed"
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Device is a registered network interface.
type Device struct {
	id         uint16
	driverName string
	state      atomic.Uint32

	driver Driver
	caps   capabilities

	rxQueues   [MaxQueues]RxQueue
	txQueues   [MaxQueues]TxQueue
	rxHandlers [MaxQueues]*eventHandler

	overrides   *einfo.Overrides
	dispatchers bool

	log *slog.Logger
}

func newDevice(id uint16, driverName string, drv Driver, logger *slog.Logger) *Device {
	dev := &Device{
		id:         id,
		driverName: driverName,
		driver:     drv,
		caps:       resolveCapabilities(drv),
		log:        logger,
	}
	dev.state.Store(uint32(StateUnprobed))
	return dev
}

func (d *Device) ID() uint16 { return d.id }

func (d *Device) DriverName() string { return d.driverName }

func (d *Device) State() State { return State(d.state.Load()) }

func (d *Device) setState(s State) { d.state.Store(uint32(s)) }

// Driver returns the driver backing the device.
func (d *Device) Driver() Driver { return d.driver }

func (d *Device) String() string { return fmt.Sprintf("netdev%d", d.id) }

func (d *Device) requireState(op string, min State) {
	if s := d.State(); s < min {
		panic(fmt.Sprintf("netdev: %s on %s requires state %s, device is %s", op, d, min, s))
	}
}

// Probe lets the driver detect its hardware. Drivers without a probe
// operation always succeed.
func (d *Device) Probe() error {
	if s := d.State(); s != StateUnprobed {
		panic(fmt.Sprintf("netdev: probe on %s in state %s", d, s))
	}
	if d.caps.probe != nil {
		if err := d.caps.probe.Probe(d); err != nil {
			return err
		}
	}
	d.setState(StateUnconfigured)
	return nil
}

// Configure prepares the device for the requested number of queues. The
// counts must not exceed what Info reports.
func (d *Device) Configure(conf *Config) error {
	if conf == nil {
		panic("netdev: configure requires a configuration")
	}
	if s := d.State(); s != StateUnconfigured {
		return fmt.Errorf("configure %s in state %s: %w", d, s, ErrInvalidState)
	}

	var info Info
	d.Info(&info)
	if conf.NbRxQueues > info.MaxRxQueues {
		return fmt.Errorf("%d rx queues requested, %s supports %d: %w", conf.NbRxQueues, d, info.MaxRxQueues, ErrInvalid)
	}
	if conf.NbTxQueues > info.MaxTxQueues {
		return fmt.Errorf("%d tx queues requested, %s supports %d: %w", conf.NbTxQueues, d, info.MaxTxQueues, ErrInvalid)
	}

	if err := d.driver.Configure(d, conf); err != nil {
		d.log.Error("failed to configure interface", "err", err)
		return err
	}
	d.setState(StateConfigured)
	d.log.Info("configured interface", "rx_queues", conf.NbRxQueues, "tx_queues", conf.NbTxQueues)
	return nil
}

func (d *Device) Start() error {
	if s := d.State(); s != StateConfigured {
		return fmt.Errorf("start %s in state %s: %w", d, s, ErrInvalidState)
	}
	if err := d.driver.Start(d); err != nil {
		return err
	}
	d.setState(StateRunning)
	d.log.Info("started interface")
	return nil
}

// HWAddr returns the hardware address or nil if the driver cannot report it.
func (d *Device) HWAddr() net.HardwareAddr {
	d.requireState("hwaddr get", StateConfigured)
	if d.caps.hwaddrGet == nil {
		return nil
	}
	return d.caps.hwaddrGet.HWAddr(d)
}

func (d *Device) SetHWAddr(addr net.HardwareAddr) error {
	if len(addr) != 6 {
		panic("netdev: hardware address must be 6 bytes")
	}
	d.requireState("hwaddr set", StateConfigured)
	if d.caps.hwaddrSet == nil {
		return ErrNotSupported
	}
	return d.caps.hwaddrSet.SetHWAddr(d, addr)
}

func (d *Device) Promiscuous() bool {
	d.requireState("promiscuous get", StateConfigured)
	return d.driver.Promiscuous(d)
}

func (d *Device) SetPromiscuous(on bool) error {
	d.requireState("promiscuous set", StateConfigured)
	if d.caps.promiscSet == nil {
		return ErrNotSupported
	}
	return d.caps.promiscSet.SetPromiscuous(d, on)
}

func (d *Device) MTU() uint16 {
	d.requireState("mtu get", StateConfigured)
	return d.driver.MTU(d)
}

func (d *Device) SetMTU(mtu uint16) error {
	d.requireState("mtu set", StateConfigured)
	if d.caps.mtuSet == nil {
		return ErrNotSupported
	}
	return d.caps.mtuSet.SetMTU(d, mtu)
}
