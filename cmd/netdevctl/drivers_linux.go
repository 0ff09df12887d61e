//go:build linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/netdev/internal/config"
	"github.com/tinyrange/netdev/internal/drivers/memnic"
	"github.com/tinyrange/netdev/internal/drivers/tap"
	"github.com/tinyrange/netdev/internal/netdev"
	"github.com/tinyrange/netdev/internal/pcap"
)

var newDriver driverFunc = func(dc config.DeviceConfig, logger *slog.Logger, capture *pcap.Writer) (netdev.Driver, *memnic.NIC, func(), error) {
	switch dc.Driver {
	case config.DriverMemNIC:
		nic, err := newMemNIC(dc, logger, capture)
		if err != nil {
			return nil, nil, nil, err
		}
		return nic, nic, nil, nil
	case config.DriverTap:
		opts := []tap.Option{tap.WithLogger(logger), tap.WithMTU(dc.MTU)}
		mac, err := dc.HardwareAddr()
		if err != nil {
			return nil, nil, nil, err
		}
		if mac != nil {
			opts = append(opts, tap.WithMAC(mac))
		}
		t := tap.New(dc.Name, opts...)
		return t, nil, func() { t.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown driver %q", dc.Driver)
	}
}
