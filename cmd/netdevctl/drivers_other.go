//go:build !linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/netdev/internal/config"
	"github.com/tinyrange/netdev/internal/drivers/memnic"
	"github.com/tinyrange/netdev/internal/netdev"
	"github.com/tinyrange/netdev/internal/pcap"
)

var newDriver driverFunc = func(dc config.DeviceConfig, logger *slog.Logger, capture *pcap.Writer) (netdev.Driver, *memnic.NIC, func(), error) {
	if dc.Driver != config.DriverMemNIC {
		return nil, nil, nil, fmt.Errorf("driver %q is only available on linux", dc.Driver)
	}
	nic, err := newMemNIC(dc, logger, capture)
	if err != nil {
		return nil, nil, nil, err
	}
	return nic, nic, nil, nil
}
