//go:build linux

// Package tap drives a Linux TAP interface. Frames the host kernel routes
// to the interface arrive on receive queue 0, frames sent on transmit
// queue 0 are handed to the host kernel.
package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/tinyrange/netdev/internal/drivers/ring"
	"github.com/tinyrange/netdev/internal/einfo"
	"github.com/tinyrange/netdev/internal/netdev"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	DriverName = "tap"

	// MaxMTU is the largest MTU the kernel accepts for a tap device.
	MaxMTU = 65521

	tunDevice = "/dev/net/tun"
)

var ErrNotProbed = errors.New("tap: interface not open")

type Option func(*Tap)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tap) { t.log = l }
}

// WithMAC sets the hardware address when the interface is opened.
func WithMAC(addr net.HardwareAddr) Option {
	return func(t *Tap) { t.mac = append(net.HardwareAddr(nil), addr...) }
}

// WithMTU sets the MTU when the interface is opened.
func WithMTU(mtu uint16) Option {
	return func(t *Tap) { t.mtu = mtu }
}

type rxQueue struct {
	dev *netdev.Device
	*ring.Ring
}

type txQueue struct {
	nbDesc uint16
}

type Tap struct {
	log        *slog.Logger
	devicePath string
	mac        net.HardwareAddr
	mtu        uint16

	mu     sync.Mutex
	name   string
	file   *os.File
	conf   netdev.Config
	rx     *rxQueue
	tx     *txQueue
	reader sync.WaitGroup
}

// New returns a driver for the tap interface `name`. An empty name lets
// the kernel pick one. Nothing is opened before the device is probed.
func New(name string, opts ...Option) *Tap {
	t := &Tap{
		log:        slog.Default(),
		devicePath: tunDevice,
		name:       name,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("driver", DriverName)
	return t
}

// Name returns the interface name, which is only final after Probe.
func (t *Tap) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Tap) Probe(dev *netdev.Device) error {
	fd, err := unix.Open(t.devicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.devicePath, err)
	}

	ifr, err := unix.NewIfreq(t.name)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: interface name %q: %w", t.name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: TUNSETIFF: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tap: set nonblocking: %w", err)
	}
	name := ifr.Name()
	file := os.NewFile(uintptr(fd), name)

	link, err := netlink.LinkByName(name)
	if err != nil {
		file.Close()
		return fmt.Errorf("tap: lookup link %s: %w", name, err)
	}
	if t.mac != nil {
		if err := netlink.LinkSetHardwareAddr(link, t.mac); err != nil {
			file.Close()
			return fmt.Errorf("tap: set hardware address of %s: %w", name, err)
		}
	}
	if t.mtu != 0 {
		if err := netlink.LinkSetMTU(link, int(t.mtu)); err != nil {
			file.Close()
			return fmt.Errorf("tap: set mtu of %s: %w", name, err)
		}
	}

	t.mu.Lock()
	t.name = name
	t.file = file
	t.mu.Unlock()

	t.log.Info("opened tap interface", "netdev", dev.ID(), "interface", name)
	return nil
}

func (t *Tap) link() (netlink.Link, error) {
	t.mu.Lock()
	name, open := t.name, t.file != nil
	t.mu.Unlock()
	if !open {
		return nil, ErrNotProbed
	}
	return netlink.LinkByName(name)
}

func (t *Tap) Info(dev *netdev.Device, info *netdev.Info) {
	info.MaxRxQueues = 1
	info.MaxTxQueues = 1
	info.MaxMTU = MaxMTU
	info.IOAlign = 1
	info.Features = netdev.FeatureRxQueueInterrupt
}

func (t *Tap) Configure(dev *netdev.Device, conf *netdev.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conf = *conf
	return nil
}

func (t *Tap) RxQueueInfo(dev *netdev.Device, queue uint16, qi *netdev.QueueInfo) error {
	if queue != 0 {
		return netdev.ErrInvalid
	}
	ring.QueueInfo(qi)
	return nil
}

func (t *Tap) TxQueueInfo(dev *netdev.Device, queue uint16, qi *netdev.QueueInfo) error {
	return t.RxQueueInfo(dev, queue, qi)
}

func (t *Tap) ConfigureRxQueue(dev *netdev.Device, queue uint16, nbDesc uint16, conf *netdev.RxQueueConfig) (netdev.RxQueue, error) {
	if queue != 0 {
		return nil, fmt.Errorf("tap: rx queue %d: %w", queue, netdev.ErrInvalid)
	}
	if err := ring.CheckDescriptors(nbDesc); err != nil {
		return nil, fmt.Errorf("tap: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = &rxQueue{dev: dev, Ring: ring.New(nbDesc, conf)}
	return t.rx, nil
}

func (t *Tap) ConfigureTxQueue(dev *netdev.Device, queue uint16, nbDesc uint16, conf *netdev.TxQueueConfig) (netdev.TxQueue, error) {
	if queue != 0 {
		return nil, fmt.Errorf("tap: tx queue %d: %w", queue, netdev.ErrInvalid)
	}
	if err := ring.CheckDescriptors(nbDesc); err != nil {
		return nil, fmt.Errorf("tap: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tx = &txQueue{nbDesc: nbDesc}
	return t.tx, nil
}

func (t *Tap) ReleaseRxQueue(dev *netdev.Device, q netdev.RxQueue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = nil
	return nil
}

func (t *Tap) ReleaseTxQueue(dev *netdev.Device, q netdev.TxQueue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tx = nil
	return nil
}

func (t *Tap) Start(dev *netdev.Device) error {
	link, err := t.link()
	if err != nil {
		return err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tap: set %s up: %w", link.Attrs().Name, err)
	}

	t.reader.Add(1)
	go t.readLoop()
	return nil
}

func (t *Tap) readLoop() {
	defer t.reader.Done()

	scratch := make([]byte, MaxMTU+18)
	for {
		t.mu.Lock()
		file, rx := t.file, t.rx
		var buf []byte
		if rx != nil {
			buf = rx.Take()
		}
		t.mu.Unlock()
		if file == nil {
			return
		}

		dst := buf
		if dst == nil {
			dst = scratch
		}
		n, err := file.Read(dst)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				t.log.Error("tap read failed", "err", err)
			}
			return
		}

		t.mu.Lock()
		if buf == nil || n > len(buf) {
			if rx != nil {
				rx.Dropped++
			}
			t.mu.Unlock()
			continue
		}
		rx.Push(buf[:n])
		intr := rx.Interrupts
		t.mu.Unlock()

		if intr {
			rx.dev.RxQueueEvent(0)
		}
	}
}

func (t *Tap) RxOne(dev *netdev.Device, q netdev.RxQueue) ([]byte, netdev.Status, error) {
	rq := q.(*rxQueue)
	t.mu.Lock()
	defer t.mu.Unlock()
	pkt, status := rq.Pop()
	return pkt, status, nil
}

func (t *Tap) TxOne(dev *netdev.Device, q netdev.TxQueue, pkt []byte) (netdev.Status, error) {
	t.mu.Lock()
	file := t.file
	t.mu.Unlock()
	if file == nil {
		return 0, ErrNotProbed
	}
	if _, err := file.Write(pkt); err != nil {
		return 0, fmt.Errorf("tap: write: %w", err)
	}
	return netdev.StatusSuccess | netdev.StatusMore, nil
}

func (t *Tap) RxQueueInterruptEnable(dev *netdev.Device, q netdev.RxQueue) (bool, error) {
	rq := q.(*rxQueue)
	t.mu.Lock()
	defer t.mu.Unlock()
	rq.Interrupts = true
	return rq.Pending(), nil
}

func (t *Tap) RxQueueInterruptDisable(dev *netdev.Device, q netdev.RxQueue) error {
	rq := q.(*rxQueue)
	t.mu.Lock()
	defer t.mu.Unlock()
	rq.Interrupts = false
	return nil
}

func (t *Tap) HWAddr(dev *netdev.Device) net.HardwareAddr {
	link, err := t.link()
	if err != nil {
		return nil
	}
	return link.Attrs().HardwareAddr
}

func (t *Tap) SetHWAddr(dev *netdev.Device, addr net.HardwareAddr) error {
	link, err := t.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetHardwareAddr(link, addr)
}

func (t *Tap) Promiscuous(dev *netdev.Device) bool {
	link, err := t.link()
	if err != nil {
		return false
	}
	return link.Attrs().Promisc != 0
}

func (t *Tap) SetPromiscuous(dev *netdev.Device, on bool) error {
	link, err := t.link()
	if err != nil {
		return err
	}
	if on {
		return netlink.SetPromiscOn(link)
	}
	return netlink.SetPromiscOff(link)
}

func (t *Tap) MTU(dev *netdev.Device) uint16 {
	link, err := t.link()
	if err != nil {
		return 0
	}
	return uint16(link.Attrs().MTU)
}

func (t *Tap) SetMTU(dev *netdev.Device, mtu uint16) error {
	if mtu == 0 || mtu > MaxMTU {
		return fmt.Errorf("tap: mtu %d: %w", mtu, netdev.ErrInvalid)
	}
	link, err := t.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetMTU(link, int(mtu))
}

// Einfo reports the first IPv4 address the host assigned to the
// interface as the gateway of the device.
func (t *Tap) Einfo(dev *netdev.Device, kind einfo.Kind) (string, bool) {
	if kind != einfo.IPv4Gateway {
		return "", false
	}
	link, err := t.link()
	if err != nil {
		return "", false
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil || len(addrs) == 0 {
		return "", false
	}
	return addrs[0].IP.String(), true
}

// Close releases the interface and stops the reader.
func (t *Tap) Close() error {
	t.mu.Lock()
	file := t.file
	t.file = nil
	t.mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	t.reader.Wait()
	return err
}

var (
	_ netdev.Driver                = (*Tap)(nil)
	_ netdev.Prober                = (*Tap)(nil)
	_ netdev.EinfoProvider         = (*Tap)(nil)
	_ netdev.HWAddrGetter          = (*Tap)(nil)
	_ netdev.HWAddrSetter          = (*Tap)(nil)
	_ netdev.PromiscuousSetter     = (*Tap)(nil)
	_ netdev.MTUSetter             = (*Tap)(nil)
	_ netdev.RxInterruptController = (*Tap)(nil)
	_ netdev.QueueReleaser         = (*Tap)(nil)
)
