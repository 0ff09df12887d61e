package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tinyrange/netdev/internal/config"
	"github.com/tinyrange/netdev/internal/drivers/memnic"
	"github.com/tinyrange/netdev/internal/einfo"
	"github.com/tinyrange/netdev/internal/netdev"
	"github.com/tinyrange/netdev/internal/netif"
	"github.com/tinyrange/netdev/internal/pcap"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "netdevctl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	ip         stringList
	pcapPath   string
	stack      bool
	inject     int
	debug      bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("netdevctl", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file (default: one memnic device)")
	fs.Var(&opts.ip, "ip", "IPv4 override `cidr:gw:dns0:dns1:host:domain` for the next device id (repeatable)")
	fs.StringVar(&opts.pcapPath, "pcap", "", "Write frames of memnic devices to this pcap file")
	fs.BoolVar(&opts.stack, "stack", false, "Bring the first device up with a TCP/IP stack")
	fs.IntVar(&opts.inject, "inject", 0, "Inject this many test frames into every memnic rx queue")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: netdevctl [flags]\n\n")
		fmt.Fprintf(fs.Output(), "Bring up the configured network devices and report their state.\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if len(opts.ip) > 0 {
		cfg.Netdev.IP = opts.ip
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// queueCounter counts rx events and the frames drained for them.
type queueCounter struct {
	events atomic.Uint64
	frames atomic.Uint64
}

func countAndDrain(dev *netdev.Device, queue uint16, cookie any) {
	c := cookie.(*queueCounter)
	c.events.Add(1)
	for {
		_, status, err := dev.RxOne(queue)
		if err != nil {
			return
		}
		if status.Has(netdev.StatusSuccess) {
			c.frames.Add(1)
		}
		if !status.Has(netdev.StatusMore) {
			return
		}
	}
}

type device struct {
	conf        config.DeviceConfig
	dispatchers bool
	dev         *netdev.Device
	nic         *memnic.NIC
	counters    []*queueCounter
}

func bringUp(d *device) error {
	dev := d.dev
	if err := dev.Configure(&netdev.Config{NbRxQueues: d.conf.RxQueues, NbTxQueues: d.conf.TxQueues}); err != nil {
		return err
	}

	bufSize := int(dev.MTU()) + 18
	alloc := func(cookie any, bufs [][]byte) int {
		for i := range bufs {
			bufs[i] = make([]byte, bufSize)
		}
		return len(bufs)
	}
	for q := uint16(0); q < d.conf.RxQueues; q++ {
		c := &queueCounter{}
		conf := &netdev.RxQueueConfig{
			Alloc:    alloc,
			Callback: countAndDrain,
			Cookie:   c,
			Dispatch: d.conf.DispatchEnabled() && d.dispatchers,
		}
		if err := dev.ConfigureRxQueue(q, d.conf.Descriptors, conf); err != nil {
			return fmt.Errorf("rx queue %d: %w", q, err)
		}
		d.counters = append(d.counters, c)
	}
	for q := uint16(0); q < d.conf.TxQueues; q++ {
		if err := dev.ConfigureTxQueue(q, d.conf.Descriptors, &netdev.TxQueueConfig{}); err != nil {
			return fmt.Errorf("tx queue %d: %w", q, err)
		}
	}
	if err := dev.Start(); err != nil {
		return err
	}

	for q := uint16(0); q < d.conf.RxQueues; q++ {
		pending, err := dev.RxQueueInterruptEnable(q)
		if errors.Is(err, netdev.ErrNotSupported) {
			continue
		}
		if err != nil {
			return fmt.Errorf("rx queue %d interrupts: %w", q, err)
		}
		if pending {
			countAndDrain(dev, q, d.counters[q])
		}
	}
	return nil
}

func injectFrames(d *device, n int) error {
	if d.nic == nil || n == 0 {
		return nil
	}
	mac := d.dev.HWAddr()
	for q := uint16(0); q < d.conf.RxQueues; q++ {
		for i := 0; i < n; i++ {
			frame := make([]byte, 60)
			copy(frame[0:6], mac)
			copy(frame[6:12], []byte{0x02, 0xfe, 0, 0, 0, 1})
			frame[12], frame[13] = 0x88, 0xb5 // local experimental ethertype
			frame[14] = byte(i)
			if err := d.nic.Inject(q, frame); err != nil {
				return fmt.Errorf("inject into rx queue %d: %w", q, err)
			}
		}
	}
	return nil
}

// waitForFrames gives dispatchers time to deliver the injected frames.
func waitForFrames(devs []*device, want uint64) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		done := true
		for _, d := range devs {
			if d.nic == nil {
				continue
			}
			for _, c := range d.counters {
				if c.frames.Load() < want {
					done = false
				}
			}
		}
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func report(w io.Writer, d *device) {
	dev := d.dev
	fmt.Fprintf(w, "%s driver=%s state=%s\n", dev, dev.DriverName(), dev.State())
	if dev.State() < netdev.StateConfigured {
		return
	}

	var info netdev.Info
	dev.Info(&info)
	fmt.Fprintf(w, "  mac=%s mtu=%d max_mtu=%d promiscuous=%t\n", dev.HWAddr(), dev.MTU(), info.MaxMTU, dev.Promiscuous())
	fmt.Fprintf(w, "  queues rx=%d/%d tx=%d/%d descriptors=%d\n",
		d.conf.RxQueues, info.MaxRxQueues, d.conf.TxQueues, info.MaxTxQueues, d.conf.Descriptors)
	for q, c := range d.counters {
		fmt.Fprintf(w, "  rxq[%d] events=%d frames=%d\n", q, c.events.Load(), c.frames.Load())
	}
	for _, kind := range einfo.Kinds {
		if v, ok := dev.Einfo(kind); ok {
			fmt.Fprintf(w, "  %s=%s\n", kind, v)
		}
	}
}

func runStack(w io.Writer, d *device, logger *slog.Logger) error {
	ifc, err := netif.Attach(d.dev, netif.Options{
		Logger:      logger,
		Descriptors: d.conf.Descriptors,
		Inline:      !d.conf.DispatchEnabled(),
	})
	if err != nil {
		return err
	}
	defer ifc.Close()

	fmt.Fprintf(w, "%s stack address=%s\n", d.dev, ifc.Address())
	for _, r := range ifc.Routes() {
		gw := "-"
		if r.Gateway.Len() != 0 {
			gw = r.Gateway.String()
		}
		fmt.Fprintf(w, "  route %s via %s\n", r.Destination, gw)
	}
	if dns := ifc.IPv4().DNS; len(dns) > 0 {
		fmt.Fprintf(w, "  dns %v\n", dns)
	}
	return nil
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	var capture *pcap.Writer
	if opts.pcapPath != "" {
		f, err := os.Create(opts.pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap: %w", err)
		}
		capture, err = pcap.NewWriter(f, 0)
		if err != nil {
			f.Close()
			return err
		}
		defer func() {
			logger.Info("closed capture", "path", opts.pcapPath, "frames", capture.Frames())
			capture.Close()
		}()
	}

	reg := netdev.NewRegistry(append(cfg.RegistryOptions(), netdev.WithLogger(logger))...)

	var devs []*device
	for i, dc := range cfg.Devices {
		drv, nic, closer, err := newDriver(dc, logger, capture)
		if err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if closer != nil {
			defer closer()
		}
		id, err := reg.Register(drv, dc.Driver)
		if err != nil {
			return fmt.Errorf("devices[%d]: register: %w", i, err)
		}
		d := &device{conf: dc, dispatchers: reg.Dispatchers(), dev: reg.Get(id), nic: nic}
		if err := d.dev.Probe(); err != nil {
			return fmt.Errorf("probe %s: %w", d.dev, err)
		}
		devs = append(devs, d)
	}

	if opts.stack {
		return runStack(stdout, devs[0], logger)
	}

	for _, d := range devs {
		if err := bringUp(d); err != nil {
			return fmt.Errorf("bring up %s: %w (errno %d)", d.dev, err, netdev.Errno(err))
		}
		if err := injectFrames(d, opts.inject); err != nil {
			return fmt.Errorf("%s: %w", d.dev, err)
		}
	}
	if opts.inject > 0 {
		waitForFrames(devs, uint64(opts.inject))
	}

	for _, d := range devs {
		report(stdout, d)
	}
	return nil
}
