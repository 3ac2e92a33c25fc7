// Package tailscale reads the local tailscaled state through the tailscale
// CLI. Absent Tailscale is never an error here — every accessor degrades to
// "not found" so discovery and host info keep working on plain-LAN hosts.
package tailscale

import (
	"encoding/json"
	"strings"

	"halvor/internal/executil"
	"halvor/internal/hostid"
)

// Device is one node visible in the tailnet (including self).
type Device struct {
	Name string // DNS name, trailing dot stripped
	IP   string // first IPv4 from the 100.64/10 range
}

// status mirrors the fields of `tailscale status --json` we consume.
type status struct {
	Self *statusPeer           `json:"Self"`
	Peer map[string]statusPeer `json:"Peer"`
}

type statusPeer struct {
	DNSName      string   `json:"DNSName"`
	TailscaleIPs []string `json:"TailscaleIPs"`
	HostName     string   `json:"HostName"`
	Online       bool     `json:"Online"`
}

// IsInstalled reports whether the tailscale CLI is present on the target.
func IsInstalled(exec executil.CommandExecutor) bool {
	return exec.CheckCommandExists("tailscale")
}

// firstIPv4 picks the first Tailscale IPv4 (100.64.0.0/10) from the list,
// preferring IPv4 over the fd7a: v6 addresses.
func firstIPv4(ips []string) string {
	for _, ip := range ips {
		if strings.HasPrefix(ip, "100.") {
			return ip
		}
	}
	return ""
}

func deviceFromPeer(p statusPeer) Device {
	name := hostid.StripTrailingDot(p.DNSName)
	if name == "" {
		name = p.HostName
	}
	return Device{Name: name, IP: firstIPv4(p.TailscaleIPs)}
}

// ParseStatus decodes the tailscale status JSON document into the device
// list, self first when present.
func ParseStatus(data []byte) ([]Device, error) {
	var st status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	var devices []Device
	if st.Self != nil {
		devices = append(devices, deviceFromPeer(*st.Self))
	}
	for _, p := range st.Peer {
		devices = append(devices, deviceFromPeer(p))
	}
	return devices, nil
}

func readStatus() ([]Device, bool) {
	local := &executil.Local{}
	if !IsInstalled(local) {
		return nil, false
	}
	out, err := executil.RunFast("tailscale", "status", "--json")
	if err != nil {
		return nil, false
	}
	devices, err := ParseStatus(out)
	if err != nil {
		return nil, false
	}
	return devices, true
}

// Devices lists every node in the tailnet, self included. The boolean is
// false when Tailscale is absent or not running.
func Devices() ([]Device, bool) {
	return readStatus()
}

// SelfIP returns this node's Tailscale IPv4, empty when unavailable.
func SelfIP() string {
	devices, ok := readStatus()
	if !ok || len(devices) == 0 {
		return ""
	}
	return devices[0].IP
}

// SelfHostname returns this node's Tailscale DNS name, empty when
// unavailable.
func SelfHostname() string {
	local := &executil.Local{}
	if !IsInstalled(local) {
		return ""
	}
	out, err := executil.RunFast("tailscale", "status", "--json")
	if err != nil {
		return ""
	}
	var st status
	if err := json.Unmarshal(out, &st); err != nil || st.Self == nil {
		return ""
	}
	return hostid.StripTrailingDot(st.Self.DNSName)
}
