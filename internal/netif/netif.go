// Package netif runs a gVisor TCP/IP stack on top of a netdev. The device
// is taken from Unconfigured to Running, its receive queue feeds the
// stack and the stack transmits through its transmit queue. Addresses and
// routes come from the device's extended information.
package netif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/tinyrange/netdev/internal/netdev"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	nicID tcpip.NICID = 1

	DefaultDescriptors = 256

	// room for the ethernet header and one VLAN tag
	frameOverhead = header.EthernetMinimumSize + 4

	txRetryInterval = time.Millisecond
)

type Options struct {
	Logger *slog.Logger
	// Descriptors per queue, DefaultDescriptors when zero.
	Descriptors uint16
	// Inline runs the receive path in the context of the driver event
	// instead of a dispatcher goroutine.
	Inline bool
}

type Interface struct {
	dev  *netdev.Device
	log  *slog.Logger
	ipv4 netdev.IPv4Config

	stack *stack.Stack
	link  *channel.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Attach configures dev with one receive and one transmit queue, starts
// it and binds a new network stack to it.
func Attach(dev *netdev.Device, opts Options) (*Interface, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Descriptors == 0 {
		opts.Descriptors = DefaultDescriptors
	}

	ifc := &Interface{
		dev: dev,
		log: opts.Logger.With("netif", dev.String()),
	}

	cfg, err := dev.IPv4()
	if err != nil {
		return nil, fmt.Errorf("ipv4 configuration of %s: %w", dev, err)
	}
	ifc.ipv4 = cfg

	if err := dev.Configure(&netdev.Config{NbRxQueues: 1, NbTxQueues: 1}); err != nil {
		return nil, fmt.Errorf("configure %s: %w", dev, err)
	}
	if err := ifc.configureQueues(opts); err != nil {
		return nil, err
	}

	mtu := dev.MTU()
	mac := dev.HWAddr()
	ifc.link = channel.New(int(opts.Descriptors), uint32(mtu)+header.EthernetMinimumSize, tcpip.LinkAddress(string(mac)))
	ifc.stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := ifc.stack.CreateNIC(nicID, ethernet.New(ifc.link)); err != nil {
		ifc.abort()
		return nil, fmt.Errorf("create nic: %s", err)
	}
	if err := ifc.addAddresses(); err != nil {
		ifc.abort()
		return nil, err
	}

	if err := dev.Start(); err != nil {
		ifc.abort()
		return nil, fmt.Errorf("start %s: %w", dev, err)
	}

	ifc.ctx, ifc.cancel = context.WithCancel(context.Background())
	ifc.wg.Add(1)
	go ifc.transmitLoop()

	pending, err := dev.RxQueueInterruptEnable(0)
	switch {
	case errors.Is(err, netdev.ErrNotSupported):
		ifc.wg.Add(1)
		go ifc.pollLoop()
	case err != nil:
		ifc.Close()
		return nil, fmt.Errorf("enable rx interrupts on %s: %w", dev, err)
	case pending:
		ifc.receive(dev, 0, nil)
	}

	ifc.log.Info("attached network stack", "prefix", cfg.Prefix, "gateway", cfg.Gateway, "mac", mac, "mtu", mtu)
	return ifc, nil
}

func (ifc *Interface) configureQueues(opts Options) error {
	bufSize := int(ifc.dev.MTU()) + frameOverhead
	rxConf := &netdev.RxQueueConfig{
		Alloc: func(cookie any, bufs [][]byte) int {
			for i := range bufs {
				bufs[i] = make([]byte, bufSize)
			}
			return len(bufs)
		},
		Callback: ifc.receive,
		Dispatch: !opts.Inline,
	}

	err := ifc.dev.ConfigureRxQueue(0, opts.Descriptors, rxConf)
	if errors.Is(err, netdev.ErrNotSupported) && rxConf.Dispatch {
		ifc.log.Debug("dispatchers disabled, receiving inline")
		rxConf.Dispatch = false
		err = ifc.dev.ConfigureRxQueue(0, opts.Descriptors, rxConf)
	}
	if err != nil {
		return fmt.Errorf("configure rx queue of %s: %w", ifc.dev, err)
	}
	if err := ifc.dev.ConfigureTxQueue(0, opts.Descriptors, &netdev.TxQueueConfig{}); err != nil {
		ifc.releaseQueues()
		return fmt.Errorf("configure tx queue of %s: %w", ifc.dev, err)
	}
	return nil
}

// abort undoes a partial Attach while the device is still Configured.
func (ifc *Interface) abort() {
	ifc.link.Close()
	ifc.stack.Close()
	ifc.stack.Wait()
	ifc.releaseQueues()
}

// releaseQueues frees the queues configured by configureQueues, stopping
// the receive dispatcher with them.
func (ifc *Interface) releaseQueues() {
	if ifc.dev.TxQueueHandle(0) != nil {
		if err := ifc.dev.ReleaseTxQueue(0); err != nil {
			ifc.log.Warn("release tx queue", "err", err)
		}
	}
	if ifc.dev.RxQueueHandle(0) != nil {
		if err := ifc.dev.ReleaseRxQueue(0); err != nil {
			ifc.log.Warn("release rx queue", "err", err)
		}
	}
}

func addrFrom(a netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(a.As4())
}

func (ifc *Interface) addAddresses() error {
	cfg := ifc.ipv4
	if !cfg.Prefix.IsValid() {
		ifc.log.Warn("no ipv4 address configured")
		return nil
	}

	addr := tcpip.AddressWithPrefix{
		Address:   addrFrom(cfg.Prefix.Addr()),
		PrefixLen: cfg.Prefix.Bits(),
	}
	if err := ifc.stack.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: addr,
	}, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("add address %s: %s", cfg.Prefix, err)
	}

	routes := []tcpip.Route{{Destination: addr.Subnet(), NIC: nicID}}
	if cfg.Gateway.IsValid() {
		routes = append(routes, tcpip.Route{
			Destination: header.IPv4EmptySubnet,
			Gateway:     addrFrom(cfg.Gateway),
			NIC:         nicID,
		})
	}
	ifc.stack.SetRouteTable(routes)
	return nil
}

// receive drains the receive queue into the stack. It runs as the queue's
// event callback.
func (ifc *Interface) receive(dev *netdev.Device, queue uint16, _ any) {
	for {
		frame, status, err := dev.RxOne(queue)
		if err != nil {
			ifc.log.Error("receive failed", "queue", queue, "err", err)
			return
		}
		if status.Has(netdev.StatusUnderrun) {
			ifc.log.Warn("receive queue underrun", "queue", queue)
		}
		if status.Has(netdev.StatusSuccess) {
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(frame),
			})
			ifc.link.InjectInbound(0, pkt)
			pkt.DecRef()
		}
		if !status.Has(netdev.StatusMore) {
			return
		}
	}
}

func (ifc *Interface) pollLoop() {
	defer ifc.wg.Done()

	ticker := time.NewTicker(txRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ifc.ctx.Done():
			return
		case <-ticker.C:
			ifc.receive(ifc.dev, 0, nil)
		}
	}
}

func (ifc *Interface) transmitLoop() {
	defer ifc.wg.Done()

	for {
		pkt := ifc.link.ReadContext(ifc.ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		if !ifc.transmit(frame) {
			return
		}
	}
}

// transmit hands frame to the device, waiting while the queue is full. It
// returns false once the interface is closed.
func (ifc *Interface) transmit(frame []byte) bool {
	for {
		status, err := ifc.dev.TxOne(0, frame)
		if err != nil {
			ifc.log.Warn("transmit failed", "len", len(frame), "err", err)
			return true
		}
		if status.Has(netdev.StatusSuccess) {
			return true
		}
		select {
		case <-ifc.ctx.Done():
			return false
		case <-time.After(txRetryInterval):
		}
	}
}

func (ifc *Interface) Device() *netdev.Device { return ifc.dev }

func (ifc *Interface) Stack() *stack.Stack { return ifc.stack }

// IPv4 returns the configuration the interface was brought up with.
func (ifc *Interface) IPv4() netdev.IPv4Config { return ifc.ipv4 }

// Address returns the primary IPv4 address of the stack, or the zero
// prefix when none is assigned.
func (ifc *Interface) Address() netip.Prefix {
	addr, err := ifc.stack.GetMainNICAddress(nicID, ipv4.ProtocolNumber)
	if err != nil || addr.Address.Len() == 0 {
		return netip.Prefix{}
	}
	ip, ok := netip.AddrFromSlice(addr.Address.AsSlice())
	if !ok {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(ip, addr.PrefixLen)
}

func (ifc *Interface) Routes() []tcpip.Route { return ifc.stack.GetRouteTable() }

func fullAddress(ap netip.AddrPort) (tcpip.FullAddress, error) {
	if !ap.Addr().Is4() {
		return tcpip.FullAddress{}, fmt.Errorf("netif: %s is not an ipv4 address", ap)
	}
	return tcpip.FullAddress{NIC: nicID, Addr: addrFrom(ap.Addr()), Port: ap.Port()}, nil
}

func (ifc *Interface) DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	fa, err := fullAddress(addr)
	if err != nil {
		return nil, err
	}
	conn, err := gonet.DialContextTCP(ctx, ifc.stack, fa, ipv4.ProtocolNumber)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ListenTCP listens on port of the interface address.
func (ifc *Interface) ListenTCP(port uint16) (net.Listener, error) {
	l, err := gonet.ListenTCP(ifc.stack, tcpip.FullAddress{NIC: nicID, Port: port}, ipv4.ProtocolNumber)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// DialUDP opens a UDP socket connected to addr.
func (ifc *Interface) DialUDP(addr netip.AddrPort) (net.Conn, error) {
	fa, err := fullAddress(addr)
	if err != nil {
		return nil, err
	}
	conn, err := gonet.DialUDP(ifc.stack, nil, &fa, ipv4.ProtocolNumber)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close detaches the stack. The device stays Running since it has no way
// back; its queues simply stop being serviced.
func (ifc *Interface) Close() {
	ifc.cancel()
	ifc.link.Close()
	ifc.wg.Wait()
	ifc.stack.Close()
	ifc.stack.Wait()
}
