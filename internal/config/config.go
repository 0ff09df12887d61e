// Package config loads the YAML description of a netdev setup: the
// registry options and the devices to bring up.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/tinyrange/netdev/internal/drivers/ring"
	"github.com/tinyrange/netdev/internal/einfo"
	"github.com/tinyrange/netdev/internal/netdev"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemNIC = "memnic"
	DriverTap    = "tap"

	DefaultDescriptors = 256
	DefaultMTU         = 1500
)

type Config struct {
	Netdev  NetdevConfig   `yaml:"netdev"`
	Devices []DeviceConfig `yaml:"devices"`
}

// NetdevConfig holds the registry wide settings.
type NetdevConfig struct {
	// Dispatchers enables per-queue dispatcher goroutines. Defaults to true.
	Dispatchers *bool `yaml:"dispatchers,omitempty"`
	// IP lists the IPv4 override strings, indexed by device id.
	IP []string `yaml:"ip,omitempty"`
}

type DeviceConfig struct {
	Driver      string `yaml:"driver"`
	Name        string `yaml:"name,omitempty"`
	MAC         string `yaml:"mac,omitempty"`
	MTU         uint16 `yaml:"mtu,omitempty"`
	RxQueues    uint16 `yaml:"rx_queues,omitempty"`
	TxQueues    uint16 `yaml:"tx_queues,omitempty"`
	Descriptors uint16 `yaml:"descriptors,omitempty"`
	Dispatch    *bool  `yaml:"dispatch,omitempty"`
}

var errNoDevices = errors.New("config: no devices")

func boolPtr(v bool) *bool { return &v }

func (c *Config) normalize() {
	if c.Netdev.Dispatchers == nil {
		c.Netdev.Dispatchers = boolPtr(true)
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.MTU == 0 {
			d.MTU = DefaultMTU
		}
		if d.RxQueues == 0 {
			d.RxQueues = 1
		}
		if d.TxQueues == 0 {
			d.TxQueues = 1
		}
		if d.Descriptors == 0 {
			d.Descriptors = DefaultDescriptors
		}
		if d.Dispatch == nil {
			d.Dispatch = boolPtr(true)
		}
	}
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errNoDevices
	}
	if len(c.Netdev.IP) > einfo.MaxOverrides {
		return fmt.Errorf("netdev.ip: %d entries, at most %d", len(c.Netdev.IP), einfo.MaxOverrides)
	}
	for i, d := range c.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

func (d DeviceConfig) validate() error {
	switch d.Driver {
	case DriverMemNIC, DriverTap:
	case "":
		return errors.New("missing driver")
	default:
		return fmt.Errorf("unknown driver %q", d.Driver)
	}
	if d.RxQueues > netdev.MaxQueues {
		return fmt.Errorf("rx_queues %d exceeds %d", d.RxQueues, netdev.MaxQueues)
	}
	if d.TxQueues > netdev.MaxQueues {
		return fmt.Errorf("tx_queues %d exceeds %d", d.TxQueues, netdev.MaxQueues)
	}
	if err := ring.CheckDescriptors(d.Descriptors); err != nil {
		return fmt.Errorf("descriptors: %w", err)
	}
	if d.MAC != "" {
		if _, err := d.HardwareAddr(); err != nil {
			return err
		}
	}
	return nil
}

// HardwareAddr parses the configured MAC address. It returns nil when no
// address is configured.
func (d DeviceConfig) HardwareAddr() (net.HardwareAddr, error) {
	if d.MAC == "" {
		return nil, nil
	}
	addr, err := net.ParseMAC(d.MAC)
	if err != nil {
		return nil, fmt.Errorf("mac: %w", err)
	}
	if len(addr) != 6 {
		return nil, fmt.Errorf("mac %q is not an ethernet address", d.MAC)
	}
	return addr, nil
}

// DispatchEnabled reports whether rx callbacks of this device run on
// dispatcher goroutines.
func (d DeviceConfig) DispatchEnabled() bool {
	return d.Dispatch == nil || *d.Dispatch
}

// RegistryOptions converts the netdev section into registry options.
func (c *Config) RegistryOptions() []netdev.Option {
	dispatchers := c.Netdev.Dispatchers == nil || *c.Netdev.Dispatchers
	return []netdev.Option{
		netdev.WithDispatchers(dispatchers),
		netdev.WithIPv4Overrides(c.Netdev.IP),
	}
}

// Parse decodes, normalizes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with a single memnic device.
func Default() *Config {
	cfg := &Config{Devices: []DeviceConfig{{Driver: DriverMemNIC}}}
	cfg.normalize()
	return cfg
}

// Write encodes c as YAML to path.
func (c *Config) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	return nil
}
