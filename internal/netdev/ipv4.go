package netdev

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/tinyrange/netdev/internal/einfo"
)

// IPv4Config is the typed form of a device's IPv4 einfo.
// A zero Prefix means no static address is known.
type IPv4Config struct {
	Prefix   netip.Prefix
	Gateway  netip.Addr
	DNS      []netip.Addr
	Hostname string
	Domain   string
}

// IPv4 resolves the device's IPv4 einfo, overrides included, into an
// IPv4Config. The address comes from the CIDR when one is known and from
// the separate address and mask otherwise.
func (d *Device) IPv4() (IPv4Config, error) {
	var cfg IPv4Config

	if cidr, ok := d.Einfo(einfo.IPv4CIDR); ok {
		p, err := netip.ParsePrefix(cidr)
		if err != nil || !p.Addr().Is4() {
			return IPv4Config{}, fmt.Errorf("%s: bad cidr %q: %w", d, cidr, ErrInvalid)
		}
		cfg.Prefix = p
	} else if addr, ok := d.Einfo(einfo.IPv4Addr); ok {
		p, err := prefixFromMask(addr, d.einfoOr(einfo.IPv4Mask, "255.255.255.255"))
		if err != nil {
			return IPv4Config{}, fmt.Errorf("%s: %v: %w", d, err, ErrInvalid)
		}
		cfg.Prefix = p
	}

	if gw, ok := d.Einfo(einfo.IPv4Gateway); ok {
		a, err := parseIPv4(gw)
		if err != nil {
			return IPv4Config{}, fmt.Errorf("%s: bad gateway: %v: %w", d, err, ErrInvalid)
		}
		cfg.Gateway = a
	}

	for _, kind := range []einfo.Kind{einfo.IPv4DNS0, einfo.IPv4DNS1} {
		v, ok := d.Einfo(kind)
		if !ok {
			continue
		}
		a, err := parseIPv4(v)
		if err != nil {
			return IPv4Config{}, fmt.Errorf("%s: bad %s: %v: %w", d, kind, err, ErrInvalid)
		}
		cfg.DNS = append(cfg.DNS, a)
	}

	cfg.Hostname, _ = d.Einfo(einfo.IPv4Hostname)
	cfg.Domain, _ = d.Einfo(einfo.IPv4Domain)
	return cfg, nil
}

func (d *Device) einfoOr(kind einfo.Kind, def string) string {
	if v, ok := d.Einfo(kind); ok {
		return v
	}
	return def
}

func parseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return a, nil
}

func prefixFromMask(addr, mask string) (netip.Prefix, error) {
	a, err := parseIPv4(addr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("bad address: %v", err)
	}
	m, err := parseIPv4(mask)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("bad mask: %v", err)
	}
	b := m.As4()
	ones, bits := net.IPv4Mask(b[0], b[1], b[2], b[3]).Size()
	if bits == 0 {
		return netip.Prefix{}, fmt.Errorf("mask %s is not contiguous", mask)
	}
	return netip.PrefixFrom(a, ones), nil
}
