package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// deviceFacts describes the machine the agent runs on.
type deviceFacts struct {
	DeviceID     string
	Hostname     string
	OSVersion    string
	Architecture string
	MACAddress   string
	IPAddress    string
}

// collectFacts gathers identity and network facts. Missing facts are left
// empty; only the device id is guaranteed.
func collectFacts(ctx context.Context) deviceFacts {
	var f deviceFacts
	if info, err := host.InfoWithContext(ctx); err == nil {
		f.DeviceID = info.HostID
		f.Hostname = info.Hostname
		f.OSVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}
	if f.Hostname == "" {
		f.Hostname, _ = os.Hostname()
	}
	if f.DeviceID == "" {
		f.DeviceID = uuid.NewString()
	}
	switch runtime.GOARCH {
	case "amd64", "arm64":
		f.Architecture = runtime.GOARCH
	}
	f.MACAddress, f.IPAddress = primaryInterface(ctx)
	return f
}

// primaryInterface returns the hardware and first IPv4 address of the first
// interface that is up and not a loopback.
func primaryInterface(ctx context.Context) (mac, ip string) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		for _, addr := range iface.Addrs {
			addrIP, _, _ := strings.Cut(addr.Addr, "/")
			if strings.Contains(addrIP, ".") {
				return iface.HardwareAddr, addrIP
			}
		}
		if mac == "" {
			mac = iface.HardwareAddr
		}
	}
	return mac, ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// powerSupplyRoot is where Linux exposes batteries.
var powerSupplyRoot = "/sys/class/power_supply"

// readBattery reports the first battery's charge and charging state. Only
// Linux is supported; elsewhere the telemetry carries no battery fields.
func readBattery() (*int, *bool) {
	if runtime.GOOS != "linux" {
		return nil, nil
	}
	matches, _ := filepath.Glob(filepath.Join(powerSupplyRoot, "BAT*"))
	for _, dir := range matches {
		raw, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || level < 0 || level > 100 {
			continue
		}
		var charging *bool
		if status, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
			v := strings.TrimSpace(string(status)) == "Charging"
			charging = &v
		}
		return &level, charging
	}
	return nil, nil
}
