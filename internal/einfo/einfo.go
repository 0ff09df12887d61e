// Package einfo holds the extended network information a device can report
// (addressing and naming parameters that are not part of its core
// capabilities) and the boot-time overrides that take precedence over it.
//
// An override string has the positional form
//
//	cidr[:gw[:dns0[:dns1[:hostname[:domain]]]]]
//
// Empty fields are treated as absent and fields after domain are ignored so
// that newer boot configurations still parse.
package einfo

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/miekg/dns"
)

// MaxOverrides bounds the number of per-device override strings that are
// consulted. Devices with higher identifiers never receive overrides.
const MaxOverrides = 16

// Kind selects a single piece of extended information.
type Kind uint8

const (
	IPv4Addr Kind = iota
	IPv4Mask
	IPv4CIDR
	IPv4Gateway
	IPv4DNS0
	IPv4DNS1
	IPv4Hostname
	IPv4Domain
)

func (k Kind) String() string {
	switch k {
	case IPv4Addr:
		return "ip4.addr"
	case IPv4Mask:
		return "ip4.mask"
	case IPv4CIDR:
		return "ip4.cidr"
	case IPv4Gateway:
		return "ip4.gw"
	case IPv4DNS0:
		return "ip4.dns0"
	case IPv4DNS1:
		return "ip4.dns1"
	case IPv4Hostname:
		return "ip4.host"
	case IPv4Domain:
		return "ip4.domain"
	}
	return fmt.Sprintf("einfo(%d)", uint8(k))
}

// Kinds lists every kind in reporting order.
var Kinds = []Kind{
	IPv4Addr, IPv4Mask, IPv4CIDR, IPv4Gateway,
	IPv4DNS0, IPv4DNS1, IPv4Hostname, IPv4Domain,
}

// Overrides is a parsed override string. An empty field is absent.
type Overrides struct {
	CIDR     string
	Gateway  string
	DNS0     string
	DNS1     string
	Hostname string
	Domain   string
}

// Parse splits an override string into its positional fields.
func Parse(s string) *Overrides {
	fields := strings.Split(s, ":")
	field := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	return &Overrides{
		CIDR:     field(0),
		Gateway:  field(1),
		DNS0:     field(2),
		DNS1:     field(3),
		Hostname: field(4),
		Domain:   field(5),
	}
}

// ForDevice returns the overrides configured for the device with the given
// identifier, or nil when conf has no entry for it.
//
// Each present field is logged at debug level. Hostnames and domains that are
// not valid DNS names are kept but reported as a warning.
func ForDevice(logger *slog.Logger, conf []string, id uint16) *Overrides {
	if int(id) >= MaxOverrides || int(id) >= len(conf) || conf[id] == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := Parse(conf[id])
	for _, kind := range Kinds {
		v, ok := o.Lookup(kind)
		if !ok {
			continue
		}
		logger.Debug("overwrite einfo", "netdev", id, "kind", kind.String(), "value", v)
	}

	if o.Hostname != "" {
		if _, ok := dns.IsDomainName(o.Hostname); !ok {
			logger.Warn("einfo hostname is not a valid host name", "netdev", id, "hostname", o.Hostname)
		}
	}
	if o.Domain != "" {
		if _, ok := dns.IsDomainName(o.Domain); !ok {
			logger.Warn("einfo domain is not a valid domain name", "netdev", id, "domain", o.Domain)
		}
	}
	return o
}

// Lookup returns the override value for kind. Address and mask are never
// overridden individually; they are carried by the CIDR.
func (o *Overrides) Lookup(kind Kind) (string, bool) {
	if o == nil {
		return "", false
	}
	var v string
	switch kind {
	case IPv4CIDR:
		v = o.CIDR
	case IPv4Gateway:
		v = o.Gateway
	case IPv4DNS0:
		v = o.DNS0
	case IPv4DNS1:
		v = o.DNS1
	case IPv4Hostname:
		v = o.Hostname
	case IPv4Domain:
		v = o.Domain
	}
	return v, v != ""
}

// String renders the overrides back into the positional override form with
// trailing empty fields trimmed.
func (o *Overrides) String() string {
	if o == nil {
		return ""
	}
	s := strings.Join([]string{o.CIDR, o.Gateway, o.DNS0, o.DNS1, o.Hostname, o.Domain}, ":")
	return strings.TrimRight(s, ":")
}
