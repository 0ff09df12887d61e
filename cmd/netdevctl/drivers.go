package main

import (
	"log/slog"

	"github.com/tinyrange/netdev/internal/config"
	"github.com/tinyrange/netdev/internal/drivers/memnic"
	"github.com/tinyrange/netdev/internal/netdev"
	"github.com/tinyrange/netdev/internal/pcap"
)

func newMemNIC(dc config.DeviceConfig, logger *slog.Logger, capture *pcap.Writer) (*memnic.NIC, error) {
	opts := []memnic.Option{
		memnic.WithLogger(logger),
		memnic.WithMTU(dc.MTU, max(dc.MTU, memnic.DefaultMaxMTU)),
		memnic.WithQueues(dc.RxQueues, dc.TxQueues),
	}
	mac, err := dc.HardwareAddr()
	if err != nil {
		return nil, err
	}
	if mac != nil {
		opts = append(opts, memnic.WithMAC(mac))
	}
	if capture != nil {
		opts = append(opts, memnic.WithCapture(capture))
	}
	return memnic.New(opts...), nil
}

// driverFunc builds the driver for one configured device. nic is set for
// memnic devices, closer releases host resources held by the driver.
type driverFunc func(dc config.DeviceConfig, logger *slog.Logger, capture *pcap.Writer) (drv netdev.Driver, nic *memnic.NIC, closer func(), err error)
