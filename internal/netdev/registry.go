// Package netdev is a driver framework for network interfaces.
//
// Drivers implement Driver (plus any of the optional interfaces) and are
// registered with a Registry, which hands out sequential device
// identifiers. The networking stack then walks each Device through
//
//	Unprobed -> Unconfigured -> Configured -> Running
//
// provisioning receive and transmit queues while the device is Configured.
// Receive events raised by a driver reach the stack either inline or through
// a per-queue dispatcher goroutine.
//
// Calling an operation before the device reached the state it requires is a
// programming error and panics. Recoverable failures are returned as errors
// that mirror errno values, see Errno.
package netdev

import (
	"log/slog"
	"math"
	"sync"

	"github.com/tinyrange/netdev/internal/einfo"
)

// Registry is the ordered, append-only list of registered devices.
// Devices live as long as the registry; there is no unregistration.
type Registry struct {
	mu      sync.RWMutex
	devices []*Device

	log         *slog.Logger
	dispatchers bool
	ipv4        []string
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithDispatchers enables or disables dispatcher goroutines. When disabled,
// receive queues that request Dispatch fail to configure with
// ErrNotSupported. Enabled by default.
func WithDispatchers(enabled bool) Option {
	return func(r *Registry) { r.dispatchers = enabled }
}

// WithIPv4Overrides installs per-device override strings, indexed by device
// identifier, in the form accepted by einfo.Parse.
func WithIPv4Overrides(conf []string) Option {
	return func(r *Registry) { r.ipv4 = append([]string(nil), conf...) }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{dispatchers: true}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Register adds a device driven by drv and returns its identifier.
func (r *Registry) Register(drv Driver, driverName string) (uint16, error) {
	if drv == nil {
		panic("netdev: register requires a driver")
	}
	if driverName == "" {
		panic("netdev: register requires a driver name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.devices) > math.MaxUint16 {
		return 0, ErrNoMemory
	}
	id := uint16(len(r.devices))

	dev := newDevice(id, driverName, drv, r.log.With("netdev", id))
	dev.dispatchers = r.dispatchers
	dev.overrides = einfo.ForDevice(r.log, r.ipv4, id)

	r.devices = append(r.devices, dev)
	r.log.Info("registered netdev", "netdev", id, "driver", driverName)
	return id, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Get returns the device with the given identifier or nil.
func (r *Registry) Get(id uint16) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dev := range r.devices {
		if dev.id == id {
			return dev
		}
	}
	return nil
}

// Devices returns the registered devices in registration order.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Device(nil), r.devices...)
}

// Dispatchers reports whether devices of r may run dispatcher goroutines.
func (r *Registry) Dispatchers() bool { return r.dispatchers }
