// Package memnic is a software network device. Frames are handed to it by
// a peer with Inject and leave it through a transmit hook or a bounded
// per-queue ring that the peer drains.
package memnic

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/netdev/internal/drivers/ring"
	"github.com/tinyrange/netdev/internal/einfo"
	"github.com/tinyrange/netdev/internal/netdev"
	"github.com/tinyrange/netdev/internal/pcap"
)

const (
	DriverName = "memnic"

	DefaultMTU    = 1500
	DefaultMaxMTU = 9000

	// ethernet header plus one VLAN tag
	frameOverhead = 18
)

var (
	ErrNotRunning = errors.New("memnic: device not started or rx queue not configured")
	ErrFrameSize  = errors.New("memnic: frame exceeds mtu")
)

// TxHook receives every frame transmitted on a queue. The frame is owned
// by the hook.
type TxHook func(queue uint16, frame []byte)

type Option func(*NIC)

func WithLogger(l *slog.Logger) Option {
	return func(n *NIC) { n.log = l }
}

func WithMAC(addr net.HardwareAddr) Option {
	if len(addr) != 6 {
		panic("memnic: hardware address must be 6 bytes")
	}
	return func(n *NIC) { n.mac = append(net.HardwareAddr(nil), addr...) }
}

func WithMTU(mtu, maxMTU uint16) Option {
	return func(n *NIC) {
		n.mtu = mtu
		n.maxMTU = maxMTU
	}
}

// WithQueues sets the number of queues the device reports.
func WithQueues(rx, tx uint16) Option {
	return func(n *NIC) {
		n.maxRx = rx
		n.maxTx = tx
	}
}

// WithEinfo makes the device report value for kind.
func WithEinfo(kind einfo.Kind, value string) Option {
	return func(n *NIC) { n.einfo[kind] = value }
}

// WithCapture records every received and transmitted frame.
func WithCapture(w *pcap.Writer) Option {
	return func(n *NIC) { n.capture = w }
}

func WithTxHook(hook TxHook) Option {
	return func(n *NIC) { n.txHook = hook }
}

type rxQueue struct {
	id  uint16
	dev *netdev.Device
	*ring.Ring
}

type txQueue struct {
	id     uint16
	nbDesc uint16
	frames [][]byte
}

// NIC implements netdev.Driver together with every optional operation.
type NIC struct {
	log *slog.Logger

	mu      sync.Mutex
	mac     net.HardwareAddr
	mtu     uint16
	maxMTU  uint16
	promisc bool
	maxRx   uint16
	maxTx   uint16
	einfo   map[einfo.Kind]string
	capture *pcap.Writer
	txHook  TxHook

	conf    netdev.Config
	started bool
	rx      [netdev.MaxQueues]*rxQueue
	tx      [netdev.MaxQueues]*txQueue
}

func New(opts ...Option) *NIC {
	n := &NIC{
		log:    slog.Default(),
		mac:    net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		mtu:    DefaultMTU,
		maxMTU: DefaultMaxMTU,
		maxRx:  1,
		maxTx:  1,
		einfo:  make(map[einfo.Kind]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With("driver", DriverName)
	return n
}

func (n *NIC) Probe(dev *netdev.Device) error {
	n.log.Debug("probed", "netdev", dev.ID(), "mac", n.mac)
	return nil
}

func (n *NIC) Info(dev *netdev.Device, info *netdev.Info) {
	n.mu.Lock()
	defer n.mu.Unlock()

	info.MaxRxQueues = n.maxRx
	info.MaxTxQueues = n.maxTx
	info.MaxMTU = n.maxMTU
	info.IOAlign = 1
	info.Features = netdev.FeatureRxQueueInterrupt
}

func (n *NIC) Configure(dev *netdev.Device, conf *netdev.Config) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conf = *conf
	return nil
}

func (n *NIC) RxQueueInfo(dev *netdev.Device, queue uint16, qi *netdev.QueueInfo) error {
	if queue >= n.maxRx {
		return netdev.ErrInvalid
	}
	ring.QueueInfo(qi)
	return nil
}

func (n *NIC) TxQueueInfo(dev *netdev.Device, queue uint16, qi *netdev.QueueInfo) error {
	if queue >= n.maxTx {
		return netdev.ErrInvalid
	}
	ring.QueueInfo(qi)
	return nil
}

func (n *NIC) ConfigureRxQueue(dev *netdev.Device, queue uint16, nbDesc uint16, conf *netdev.RxQueueConfig) (netdev.RxQueue, error) {
	if err := ring.CheckDescriptors(nbDesc); err != nil {
		return nil, fmt.Errorf("memnic: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if queue >= n.conf.NbRxQueues {
		return nil, fmt.Errorf("memnic: rx queue %d not configured: %w", queue, netdev.ErrInvalid)
	}
	q := &rxQueue{id: queue, dev: dev, Ring: ring.New(nbDesc, conf)}
	n.rx[queue] = q
	return q, nil
}

func (n *NIC) ConfigureTxQueue(dev *netdev.Device, queue uint16, nbDesc uint16, conf *netdev.TxQueueConfig) (netdev.TxQueue, error) {
	if err := ring.CheckDescriptors(nbDesc); err != nil {
		return nil, fmt.Errorf("memnic: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if queue >= n.conf.NbTxQueues {
		return nil, fmt.Errorf("memnic: tx queue %d not configured: %w", queue, netdev.ErrInvalid)
	}
	q := &txQueue{id: queue, nbDesc: nbDesc}
	n.tx[queue] = q
	return q, nil
}

func (n *NIC) ReleaseRxQueue(dev *netdev.Device, q netdev.RxQueue) error {
	rq := q.(*rxQueue)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rx[rq.id] = nil
	return nil
}

func (n *NIC) ReleaseTxQueue(dev *netdev.Device, q netdev.TxQueue) error {
	tq := q.(*txQueue)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tx[tq.id] = nil
	return nil
}

func (n *NIC) Start(dev *netdev.Device) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = true
	n.log.Info("link up", "netdev", dev.ID(), "mtu", n.mtu)
	return nil
}

func (n *NIC) Einfo(dev *netdev.Device, kind einfo.Kind) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.einfo[kind]
	return v, ok
}

func (n *NIC) HWAddr(dev *netdev.Device) net.HardwareAddr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append(net.HardwareAddr(nil), n.mac...)
}

func (n *NIC) SetHWAddr(dev *netdev.Device, addr net.HardwareAddr) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mac = append(net.HardwareAddr(nil), addr...)
	return nil
}

func (n *NIC) Promiscuous(dev *netdev.Device) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.promisc
}

func (n *NIC) SetPromiscuous(dev *netdev.Device, on bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.promisc = on
	return nil
}

func (n *NIC) MTU(dev *netdev.Device) uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mtu
}

func (n *NIC) SetMTU(dev *netdev.Device, mtu uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if mtu == 0 || mtu > n.maxMTU {
		return fmt.Errorf("memnic: mtu %d outside (0, %d]: %w", mtu, n.maxMTU, netdev.ErrInvalid)
	}
	n.mtu = mtu
	return nil
}

func (n *NIC) RxQueueInterruptEnable(dev *netdev.Device, q netdev.RxQueue) (bool, error) {
	rq := q.(*rxQueue)
	n.mu.Lock()
	defer n.mu.Unlock()
	rq.Interrupts = true
	return rq.Pending(), nil
}

func (n *NIC) RxQueueInterruptDisable(dev *netdev.Device, q netdev.RxQueue) error {
	rq := q.(*rxQueue)
	n.mu.Lock()
	defer n.mu.Unlock()
	rq.Interrupts = false
	return nil
}

func (n *NIC) RxOne(dev *netdev.Device, q netdev.RxQueue) ([]byte, netdev.Status, error) {
	rq := q.(*rxQueue)
	n.mu.Lock()
	defer n.mu.Unlock()

	pkt, status := rq.Pop()
	return pkt, status, nil
}

func (n *NIC) TxOne(dev *netdev.Device, q netdev.TxQueue, pkt []byte) (netdev.Status, error) {
	tq := q.(*txQueue)
	n.mu.Lock()
	if len(pkt) > int(n.mtu)+frameOverhead {
		mtu := n.mtu
		n.mu.Unlock()
		return 0, fmt.Errorf("%w: %d bytes, mtu %d", ErrFrameSize, len(pkt), mtu)
	}
	hook := n.txHook
	if hook == nil && len(tq.frames) >= int(tq.nbDesc) {
		n.mu.Unlock()
		return 0, nil
	}
	frame := append([]byte(nil), pkt...)
	if hook == nil {
		tq.frames = append(tq.frames, frame)
	}
	room := hook != nil || len(tq.frames) < int(tq.nbDesc)
	capture := n.capture
	n.mu.Unlock()

	n.record(capture, frame)
	if hook != nil {
		hook(tq.id, frame)
	}

	status := netdev.StatusSuccess
	if room {
		status |= netdev.StatusMore
	}
	return status, nil
}

func (n *NIC) record(w *pcap.Writer, frame []byte) {
	if w == nil {
		return
	}
	if err := w.WriteFrame(frame); err != nil {
		n.log.Warn("capture failed", "err", err)
	}
}

// Inject delivers frame to receive queue `queue` as if it had arrived on
// the wire. The frame is copied into a posted receive buffer; it is
// dropped when no buffer is posted or the buffer is too small. When
// interrupts are enabled for the queue an rx event is raised.
func (n *NIC) Inject(queue uint16, frame []byte) error {
	if queue >= netdev.MaxQueues {
		return fmt.Errorf("memnic: rx queue %d: %w", queue, netdev.ErrInvalid)
	}

	n.mu.Lock()
	rq := n.rx[queue]
	if rq == nil || !n.started {
		n.mu.Unlock()
		return ErrNotRunning
	}
	if len(frame) > int(n.mtu)+frameOverhead {
		mtu := n.mtu
		n.mu.Unlock()
		return fmt.Errorf("%w: %d bytes, mtu %d", ErrFrameSize, len(frame), mtu)
	}
	if !rq.Deliver(frame) {
		n.mu.Unlock()
		return nil
	}
	intr := rq.Interrupts
	dev := rq.dev
	capture := n.capture
	n.mu.Unlock()

	n.record(capture, frame)
	if intr {
		dev.RxQueueEvent(queue)
	}
	return nil
}

// Transmitted drains the frames queued on transmit queue `queue`. Frames
// sent through a TxHook never appear here.
func (n *NIC) Transmitted(queue uint16) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	tq := n.tx[queue]
	if tq == nil {
		return nil
	}
	frames := tq.frames
	tq.frames = nil
	return frames
}

// Dropped returns how many injected frames receive queue `queue` dropped
// for lack of a posted buffer.
func (n *NIC) Dropped(queue uint16) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rq := n.rx[queue]; rq != nil {
		return rq.Dropped
	}
	return 0
}

// SetTxHook replaces the transmit hook. A nil hook queues frames for
// Transmitted again.
func (n *NIC) SetTxHook(hook TxHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txHook = hook
}

// Connect wires two NICs back to back: frames transmitted on any queue of
// one are injected into receive queue 0 of the other.
func Connect(a, b *NIC) {
	a.SetTxHook(func(_ uint16, frame []byte) { deliver(b, frame) })
	b.SetTxHook(func(_ uint16, frame []byte) { deliver(a, frame) })
}

func deliver(n *NIC, frame []byte) {
	if err := n.Inject(0, frame); err != nil {
		n.log.Debug("dropped frame", "err", err)
	}
}

var (
	_ netdev.Driver                = (*NIC)(nil)
	_ netdev.Prober                = (*NIC)(nil)
	_ netdev.EinfoProvider         = (*NIC)(nil)
	_ netdev.HWAddrGetter          = (*NIC)(nil)
	_ netdev.HWAddrSetter          = (*NIC)(nil)
	_ netdev.PromiscuousSetter     = (*NIC)(nil)
	_ netdev.MTUSetter             = (*NIC)(nil)
	_ netdev.RxInterruptController = (*NIC)(nil)
	_ netdev.QueueReleaser         = (*NIC)(nil)
)
