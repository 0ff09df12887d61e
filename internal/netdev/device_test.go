package netdev

import (
	"errors"
	"net"
	"testing"
)

func TestLifecycle(t *testing.T) {
	r := newTestRegistry()
	drv := newStubDriver()
	dev := registerDevice(t, r, drv, StateUnprobed)

	if err := dev.Probe(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if dev.State() != StateUnconfigured {
		t.Fatalf("after probe: %s", dev.State())
	}

	if err := dev.Configure(&Config{NbRxQueues: 2, NbTxQueues: 1}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if dev.State() != StateConfigured {
		t.Fatalf("after configure: %s", dev.State())
	}
	if drv.configured == nil || drv.configured.NbRxQueues != 2 {
		t.Fatalf("driver saw configuration %+v", drv.configured)
	}

	if err := dev.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if dev.State() != StateRunning {
		t.Fatalf("after start: %s", dev.State())
	}
}

func TestProbeErrorLeavesStateUnchanged(t *testing.T) {
	r := newTestRegistry()
	drv := newFullDriver()
	drv.probeErr = errors.New("no hardware")
	dev := registerDevice(t, r, drv, StateUnprobed)

	if err := dev.Probe(); err != drv.probeErr {
		t.Fatalf("probe returned %v, want driver error", err)
	}
	if dev.State() != StateUnprobed {
		t.Fatalf("failed probe moved device to %s", dev.State())
	}

	drv.probeErr = nil
	if err := dev.Probe(); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if drv.probes != 2 || dev.State() != StateUnconfigured {
		t.Fatalf("probes=%d state=%s", drv.probes, dev.State())
	}
}

func TestProbeOutsideUnprobedPanics(t *testing.T) {
	r := newTestRegistry()
	dev := registerDevice(t, r, newStubDriver(), StateUnconfigured)
	mustPanic(t, "probe on netdev0", func() { dev.Probe() })
}

func TestConfigureState(t *testing.T) {
	r := newTestRegistry()
	conf := &Config{NbRxQueues: 1, NbTxQueues: 1}

	for _, state := range []State{StateUnprobed, StateConfigured, StateRunning} {
		dev := registerDevice(t, r, newStubDriver(), state)
		if err := dev.Configure(conf); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("configure in %s: %v, want ErrInvalidState", state, err)
		}
		if dev.State() != state {
			t.Fatalf("configure changed state %s to %s", state, dev.State())
		}
	}
}

func TestConfigureQueueLimits(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name    string
		maxRx   uint16
		maxTx   uint16
		conf    Config
		wantErr bool
	}{
		{"within limits", 4, 4, Config{NbRxQueues: 4, NbTxQueues: 4}, false},
		{"too many rx", 4, 4, Config{NbRxQueues: 5, NbTxQueues: 1}, true},
		{"too many tx", 4, 2, Config{NbRxQueues: 1, NbTxQueues: 3}, true},
		{"clamped maximum", 1000, 1000, Config{NbRxQueues: MaxQueues, NbTxQueues: MaxQueues}, false},
		{"beyond clamped maximum", 1000, 1000, Config{NbRxQueues: MaxQueues + 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := newStubDriver()
			drv.info.MaxRxQueues = tt.maxRx
			drv.info.MaxTxQueues = tt.maxTx
			dev := registerDevice(t, r, drv, StateUnconfigured)

			err := dev.Configure(&tt.conf)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("configure: %v, want ErrInvalid", err)
				}
				if dev.State() != StateUnconfigured || drv.configured != nil {
					t.Fatalf("rejected configure reached the driver")
				}
				return
			}
			if err != nil {
				t.Fatalf("configure: %v", err)
			}
		})
	}
}

func TestConfigureDriverError(t *testing.T) {
	r := newTestRegistry()
	drv := newStubDriver()
	drv.configureErr = errors.New("ring allocation failed")
	dev := registerDevice(t, r, drv, StateUnconfigured)

	if err := dev.Configure(&Config{NbRxQueues: 1}); err != drv.configureErr {
		t.Fatalf("configure returned %v, want the driver error", err)
	}
	if dev.State() != StateUnconfigured {
		t.Fatalf("failed configure moved device to %s", dev.State())
	}
}

func TestStart(t *testing.T) {
	r := newTestRegistry()

	dev := registerDevice(t, r, newStubDriver(), StateUnconfigured)
	if err := dev.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start while unconfigured: %v", err)
	}

	drv := newStubDriver()
	drv.startErr = errors.New("link down")
	dev = registerDevice(t, r, drv, StateConfigured)
	if err := dev.Start(); err != drv.startErr {
		t.Fatalf("start returned %v, want the driver error", err)
	}
	if dev.State() != StateConfigured {
		t.Fatalf("failed start moved device to %s", dev.State())
	}

	drv.startErr = nil
	if err := dev.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := dev.Start(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start while running: %v", err)
	}
}

func TestAccessorsRequireConfigured(t *testing.T) {
	r := newTestRegistry()
	dev := registerDevice(t, r, newFullDriver(), StateUnconfigured)

	mustPanic(t, "hwaddr get", func() { dev.HWAddr() })
	mustPanic(t, "hwaddr set", func() { dev.SetHWAddr(net.HardwareAddr{2, 0, 0, 0, 0, 2}) })
	mustPanic(t, "promiscuous get", func() { dev.Promiscuous() })
	mustPanic(t, "promiscuous set", func() { dev.SetPromiscuous(true) })
	mustPanic(t, "mtu get", func() { dev.MTU() })
	mustPanic(t, "mtu set", func() { dev.SetMTU(1400) })
}

func TestOptionalAccessorsNotSupported(t *testing.T) {
	r := newTestRegistry()
	dev := registerDevice(t, r, newStubDriver(), StateConfigured)

	if addr := dev.HWAddr(); addr != nil {
		t.Fatalf("HWAddr = %s without driver support", addr)
	}
	if err := dev.SetHWAddr(net.HardwareAddr{2, 0, 0, 0, 0, 2}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SetHWAddr: %v", err)
	}
	if err := dev.SetPromiscuous(true); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SetPromiscuous: %v", err)
	}
	if err := dev.SetMTU(1400); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("SetMTU: %v", err)
	}

	if dev.Promiscuous() {
		t.Fatalf("promiscuous should be off")
	}
	if dev.MTU() != 1500 {
		t.Fatalf("MTU = %d", dev.MTU())
	}
}

func TestOptionalAccessorsDelegate(t *testing.T) {
	r := newTestRegistry()
	drv := newFullDriver()
	dev := registerDevice(t, r, drv, StateRunning)

	want := net.HardwareAddr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	if err := dev.SetHWAddr(want); err != nil {
		t.Fatalf("SetHWAddr: %v", err)
	}
	if got := dev.HWAddr(); got.String() != want.String() {
		t.Fatalf("HWAddr = %s, want %s", got, want)
	}

	if err := dev.SetPromiscuous(true); err != nil {
		t.Fatalf("SetPromiscuous: %v", err)
	}
	if !dev.Promiscuous() {
		t.Fatalf("promiscuous mode not enabled")
	}

	if err := dev.SetMTU(1400); err != nil {
		t.Fatalf("SetMTU: %v", err)
	}
	if dev.MTU() != 1400 {
		t.Fatalf("MTU = %d", dev.MTU())
	}
	if err := dev.SetMTU(9000); !errors.Is(err, ErrInvalid) {
		t.Fatalf("SetMTU beyond MaxMTU: %v", err)
	}

	mustPanic(t, "6 bytes", func() { dev.SetHWAddr(net.HardwareAddr{1, 2, 3}) })
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateUnprobed:     "unprobed",
		StateUnconfigured: "unconfigured",
		StateConfigured:   "configured",
		StateRunning:      "running",
		State(9):          "state(9)",
	} {
		if got := state.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", uint32(state), got, want)
		}
	}
}
