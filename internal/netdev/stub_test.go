package netdev

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/tinyrange/netdev/internal/einfo"
)

// stubDriver implements only the mandatory operations.
type stubDriver struct {
	info   Info
	mtu    uint16
	promis bool

	configureErr error
	startErr     error
	rxErr        error
	txErr        error

	// onRxConfigure runs inside ConfigureRxQueue before it returns.
	onRxConfigure func(dev *Device, queue uint16)

	configured   *Config
	rxConfigured []uint16
	txConfigured []uint16
	rxPackets    [][]byte
	txPackets    [][]byte
}

type stubQueue struct {
	id     uint16
	nbDesc uint16
}

func newStubDriver() *stubDriver {
	return &stubDriver{
		info: Info{MaxRxQueues: 4, MaxTxQueues: 4, MaxMTU: 1500},
		mtu:  1500,
	}
}

func (s *stubDriver) Info(dev *Device, info *Info) { *info = s.info }

func (s *stubDriver) Configure(dev *Device, conf *Config) error {
	if s.configureErr != nil {
		return s.configureErr
	}
	c := *conf
	s.configured = &c
	return nil
}

func (s *stubDriver) RxQueueInfo(dev *Device, queue uint16, qi *QueueInfo) error {
	qi.NbMax = 256
	qi.NbIsPowerOf2 = true
	return nil
}

func (s *stubDriver) TxQueueInfo(dev *Device, queue uint16, qi *QueueInfo) error {
	qi.NbMax = 128
	return nil
}

func (s *stubDriver) ConfigureRxQueue(dev *Device, queue uint16, nbDesc uint16, conf *RxQueueConfig) (RxQueue, error) {
	if s.onRxConfigure != nil {
		s.onRxConfigure(dev, queue)
	}
	if s.rxErr != nil {
		return nil, s.rxErr
	}
	s.rxConfigured = append(s.rxConfigured, queue)
	return &stubQueue{id: queue, nbDesc: nbDesc}, nil
}

func (s *stubDriver) ConfigureTxQueue(dev *Device, queue uint16, nbDesc uint16, conf *TxQueueConfig) (TxQueue, error) {
	if s.txErr != nil {
		return nil, s.txErr
	}
	s.txConfigured = append(s.txConfigured, queue)
	return &stubQueue{id: queue, nbDesc: nbDesc}, nil
}

func (s *stubDriver) Start(dev *Device) error { return s.startErr }

func (s *stubDriver) Promiscuous(dev *Device) bool { return s.promis }

func (s *stubDriver) MTU(dev *Device) uint16 { return s.mtu }

func (s *stubDriver) RxOne(dev *Device, q RxQueue) ([]byte, Status, error) {
	if len(s.rxPackets) == 0 {
		return nil, 0, nil
	}
	pkt := s.rxPackets[0]
	s.rxPackets = s.rxPackets[1:]
	st := StatusSuccess
	if len(s.rxPackets) > 0 {
		st |= StatusMore
	}
	return pkt, st, nil
}

func (s *stubDriver) TxOne(dev *Device, q TxQueue, pkt []byte) (Status, error) {
	s.txPackets = append(s.txPackets, pkt)
	return StatusSuccess, nil
}

// einfoDriver adds driver-reported extended information.
type einfoDriver struct {
	*stubDriver
	values map[einfo.Kind]string
}

func (e *einfoDriver) Einfo(dev *Device, kind einfo.Kind) (string, bool) {
	v, ok := e.values[kind]
	return v, ok
}

// fullDriver implements every optional operation.
type fullDriver struct {
	*stubDriver

	probeErr error
	probes   int
	hwaddr   net.HardwareAddr

	intrEnabled map[uint16]bool
	intrPending bool
	released    []uint16
	releaseErr  error
}

func newFullDriver() *fullDriver {
	return &fullDriver{
		stubDriver:  newStubDriver(),
		hwaddr:      net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		intrEnabled: map[uint16]bool{},
	}
}

func (f *fullDriver) Probe(dev *Device) error {
	f.probes++
	return f.probeErr
}

func (f *fullDriver) HWAddr(dev *Device) net.HardwareAddr { return f.hwaddr }

func (f *fullDriver) SetHWAddr(dev *Device, addr net.HardwareAddr) error {
	f.hwaddr = append(net.HardwareAddr(nil), addr...)
	return nil
}

func (f *fullDriver) SetPromiscuous(dev *Device, on bool) error {
	f.promis = on
	return nil
}

func (f *fullDriver) SetMTU(dev *Device, mtu uint16) error {
	if mtu > f.info.MaxMTU {
		return ErrInvalid
	}
	f.mtu = mtu
	return nil
}

func (f *fullDriver) RxQueueInterruptEnable(dev *Device, q RxQueue) (bool, error) {
	f.intrEnabled[q.(*stubQueue).id] = true
	return f.intrPending, nil
}

func (f *fullDriver) RxQueueInterruptDisable(dev *Device, q RxQueue) error {
	f.intrEnabled[q.(*stubQueue).id] = false
	return nil
}

func (f *fullDriver) ReleaseRxQueue(dev *Device, q RxQueue) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = append(f.released, q.(*stubQueue).id)
	return nil
}

func (f *fullDriver) ReleaseTxQueue(dev *Device, q TxQueue) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = append(f.released, q.(*stubQueue).id)
	return nil
}

var (
	_ Driver                = (*stubDriver)(nil)
	_ EinfoProvider         = (*einfoDriver)(nil)
	_ Prober                = (*fullDriver)(nil)
	_ HWAddrGetter          = (*fullDriver)(nil)
	_ HWAddrSetter          = (*fullDriver)(nil)
	_ PromiscuousSetter     = (*fullDriver)(nil)
	_ MTUSetter             = (*fullDriver)(nil)
	_ RxInterruptController = (*fullDriver)(nil)
	_ QueueReleaser         = (*fullDriver)(nil)
)

func newTestRegistry(opts ...Option) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(append([]Option{WithLogger(logger)}, opts...)...)
}

// registerDevice registers drv and advances the device to want.
func registerDevice(t *testing.T, r *Registry, drv Driver, want State) *Device {
	t.Helper()

	id, err := r.Register(drv, "stub")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	dev := r.Get(id)
	if want >= StateUnconfigured {
		if err := dev.Probe(); err != nil {
			t.Fatalf("probe: %v", err)
		}
	}
	if want >= StateConfigured {
		if err := dev.Configure(&Config{NbRxQueues: 1, NbTxQueues: 1}); err != nil {
			t.Fatalf("configure: %v", err)
		}
	}
	if want >= StateRunning {
		if err := dev.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	return dev
}

func noAlloc(cookie any, bufs [][]byte) int { return 0 }

func mustPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", contains)
		}
		msg, _ := r.(string)
		if !strings.Contains(msg, contains) {
			t.Fatalf("panic %v does not contain %q", r, contains)
		}
	}()
	fn()
}
