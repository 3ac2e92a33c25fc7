package hostid

import (
	"os"
	"testing"

	"halvor/internal/config"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Frigg":                            "frigg",
		"frigg.bombay-pinecone.ts.net":     "frigg",
		"frigg.bombay-pinecone.ts.net.":    "frigg",
		"  baulder.local ":                 "baulder",
		"odin":                             "odin",
		"ODIN.":                            "odin",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripTrailingDot(t *testing.T) {
	if got := StripTrailingDot("frigg.ts.net."); got != "frigg.ts.net" {
		t.Errorf("got %q", got)
	}
	if got := StripTrailingDot("frigg"); got != "frigg" {
		t.Errorf("got %q", got)
	}
}

func TestIsLocal_Localhost(t *testing.T) {
	if !IsLocal("localhost", nil) {
		t.Error("localhost should be local")
	}
	if !IsLocal("127.0.0.1", nil) {
		t.Error("127.0.0.1 should be local")
	}
}

func TestIsLocal_MatchesSystemHostname(t *testing.T) {
	t.Setenv("HOSTNAME", "frigg.bombay-pinecone.ts.net")

	for _, name := range []string{"frigg", "FRIGG", "frigg.bombay-pinecone.ts.net", "frigg.bombay-pinecone.ts.net.", "frigg.local"} {
		if !IsLocal(name, &config.Config{Hosts: map[string]config.HostConfig{}}) {
			t.Errorf("IsLocal(%q) = false, want true", name)
		}
	}

	if IsLocal("odin", &config.Config{Hosts: map[string]config.HostConfig{}}) {
		t.Error("odin should not be local")
	}
}

func TestIsLocal_ConfigHostnameMatch(t *testing.T) {
	t.Setenv("HOSTNAME", "frigg")
	cfg := &config.Config{Hosts: map[string]config.HostConfig{
		// Declared name differs from the lookup key; hostname matches self.
		"mymachine": {Hostname: "frigg.bombay-pinecone.ts.net"},
		"other":     {Hostname: "odin.bombay-pinecone.ts.net"},
	}}

	if !IsLocal("mymachine", cfg) {
		t.Error("mymachine should resolve local via config hostname")
	}
	if IsLocal("other", cfg) {
		t.Error("other should be remote")
	}
}

func TestIsLocal_ConfigIPMatchesInterface(t *testing.T) {
	ips := LocalIPv4s()
	if len(ips) == 0 {
		t.Skip("no non-loopback IPv4 on this machine")
	}
	t.Setenv("HOSTNAME", "totally-different-name")
	cfg := &config.Config{Hosts: map[string]config.HostConfig{
		"selfbyip": {IP: ips[0]},
		"otherip":  {IP: "203.0.113.77"},
	}}

	if !IsLocal("selfbyip", cfg) {
		t.Errorf("host with local interface IP %s not detected as local", ips[0])
	}
	if IsLocal("otherip", cfg) {
		t.Error("host with foreign IP detected as local")
	}
}

func TestCurrent_PrefersEnv(t *testing.T) {
	t.Setenv("HOSTNAME", "envhost")
	got, err := Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != "envhost" {
		t.Errorf("Current = %q", got)
	}

	os.Unsetenv("HOSTNAME")
	got, err = Current()
	if err != nil {
		t.Fatalf("Current (no env): %v", err)
	}
	if got == "" {
		t.Error("Current returned empty hostname")
	}
}
