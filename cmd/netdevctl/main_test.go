package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunReportsDevices(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-ip", "10.0.0.2/24:10.0.0.1", "-inject", "3"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	report := out.String()
	for _, want := range []string{
		"netdev0 driver=memnic state=running",
		"mtu=1500",
		"queues rx=1/1 tx=1/1 descriptors=256",
		"frames=3",
		"ip4.cidr=10.0.0.2/24",
		"ip4.gw=10.0.0.1",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report lacks %q:\n%s", want, report)
		}
	}
	if strings.Contains(report, "ip4.addr") {
		t.Errorf("address reported next to a cidr:\n%s", report)
	}
}

func TestRunWithConfigAndCapture(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "netdev.yaml")
	pcapPath := filepath.Join(dir, "out.pcap")
	cfg := `netdev:
  dispatchers: false
devices:
  - driver: memnic
    mac: "02:00:00:00:00:aa"
    rx_queues: 2
    descriptors: 16
  - driver: memnic
    mac: "02:00:00:00:00:bb"
    mtu: 9000
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	if err := run([]string{"-config", cfgPath, "-pcap", pcapPath, "-inject", "2"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	report := out.String()
	for _, want := range []string{
		"netdev0 driver=memnic state=running",
		"mac=02:00:00:00:00:aa",
		"queues rx=2/2 tx=1/1 descriptors=16",
		"rxq[1] events=2 frames=2",
		"netdev1 driver=memnic state=running",
		"mtu=9000",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report lacks %q:\n%s", want, report)
		}
	}

	data, err := os.ReadFile(pcapPath)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if len(data) < 24 || binary.LittleEndian.Uint32(data[0:4]) != 0xa1b2c3d4 {
		t.Fatalf("capture has no pcap header")
	}
	// three rx queues with two 60 byte frames each
	if want := 24 + 6*(16+60); len(data) != want {
		t.Fatalf("capture is %d bytes, want %d", len(data), want)
	}
}

func TestRunStack(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-stack", "-ip", "192.168.5.2/24:192.168.5.1:1.1.1.1"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	report := out.String()
	for _, want := range []string{
		"netdev0 stack address=192.168.5.2/24",
		"route 192.168.5.0/24 via -",
		"via 192.168.5.1",
		"dns [1.1.1.1]",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report lacks %q:\n%s", want, report)
		}
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing config", []string{"-config", "/nonexistent/netdev.yaml"}, "read config"},
		{"positional argument", []string{"extra"}, "unexpected arguments"},
		{"too many overrides", strings.Fields(strings.Repeat("-ip 10.0.0.2/24 ", 17)), "at most 16"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(tt.args, &out)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("run: %v, want error containing %q", err, tt.want)
			}
		})
	}
}
