package tailscale

import "testing"

const statusFixture = `{
  "Self": {
    "DNSName": "frigg.bombay-pinecone.ts.net.",
    "HostName": "frigg",
    "TailscaleIPs": ["100.66.176.17", "fd7a:115c:a1e0::1"],
    "Online": true
  },
  "Peer": {
    "nodekey:abc": {
      "DNSName": "odin.bombay-pinecone.ts.net.",
      "HostName": "odin",
      "TailscaleIPs": ["fd7a:115c:a1e0::2", "100.66.176.18"],
      "Online": true
    },
    "nodekey:def": {
      "DNSName": "",
      "HostName": "baulder",
      "TailscaleIPs": ["100.66.176.19"],
      "Online": false
    }
  }
}`

func TestParseStatus(t *testing.T) {
	devices, err := ParseStatus([]byte(statusFixture))
	if err != nil {
		t.Fatalf("ParseStatus: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}

	// Self comes first, trailing dot stripped.
	if devices[0].Name != "frigg.bombay-pinecone.ts.net" {
		t.Errorf("self name = %q", devices[0].Name)
	}
	if devices[0].IP != "100.66.176.17" {
		t.Errorf("self ip = %q", devices[0].IP)
	}

	byName := map[string]Device{}
	for _, d := range devices {
		byName[d.Name] = d
	}

	// IPv4 preferred even when listed after the v6 address.
	if d := byName["odin.bombay-pinecone.ts.net"]; d.IP != "100.66.176.18" {
		t.Errorf("odin ip = %q", d.IP)
	}
	// Missing DNSName falls back to HostName.
	if _, ok := byName["baulder"]; !ok {
		t.Errorf("baulder not found in %v", byName)
	}
}

func TestParseStatus_InvalidJSON(t *testing.T) {
	if _, err := ParseStatus([]byte("not json")); err == nil {
		t.Fatal("invalid JSON accepted")
	}
}

func TestFirstIPv4(t *testing.T) {
	if got := firstIPv4([]string{"fd7a::1", "100.64.0.5"}); got != "100.64.0.5" {
		t.Errorf("got %q", got)
	}
	if got := firstIPv4([]string{"fd7a::1"}); got != "" {
		t.Errorf("got %q", got)
	}
	if got := firstIPv4(nil); got != "" {
		t.Errorf("got %q", got)
	}
}
