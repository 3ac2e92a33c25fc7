package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return path
}

func TestLoad_ParsesHostEntries(t *testing.T) {
	path := writeEnvFile(t, `
HOST_FRIGG_IP="100.66.176.17"
HOST_FRIGG_HOSTNAME="frigg.bombay-pinecone.ts.net."
HOST_ODIN_IP="192.168.1.20"
HOST_ODIN_SUDO_PASS="s3cret"
HOST_ODIN_SUDO_USER="admin"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	frigg, ok := cfg.Hosts["frigg"]
	if !ok {
		t.Fatal("frigg not parsed")
	}
	if frigg.IP != "100.66.176.17" {
		t.Errorf("frigg IP = %q", frigg.IP)
	}
	// Trailing dot must be stripped on load.
	if frigg.Hostname != "frigg.bombay-pinecone.ts.net" {
		t.Errorf("frigg hostname = %q", frigg.Hostname)
	}

	odin := cfg.Hosts["odin"]
	if odin.SudoPassword != "s3cret" || odin.SudoUser != "admin" {
		t.Errorf("odin sudo config = %+v", odin)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("nil config")
	}
}

func TestFindHost_NormalizedLookup(t *testing.T) {
	cfg := &Config{Hosts: map[string]HostConfig{
		"frigg": {IP: "100.66.176.17"},
	}}

	cases := []string{"frigg", "FRIGG", "frigg.bombay-pinecone.ts.net", "frigg.bombay-pinecone.ts.net."}
	for _, name := range cases {
		key, hc, ok := cfg.FindHost(name)
		if !ok {
			t.Errorf("FindHost(%q) = not found", name)
			continue
		}
		if key != "frigg" || hc.IP != "100.66.176.17" {
			t.Errorf("FindHost(%q) = %q, %+v", name, key, hc)
		}
	}

	if _, _, ok := cfg.FindHost("loki"); ok {
		t.Error("FindHost(loki) should miss")
	}
}

func TestDBDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HALVOR_DB_DIR", dir)
	got, err := DBDir()
	if err != nil {
		t.Fatalf("DBDir: %v", err)
	}
	if got != dir {
		t.Errorf("DBDir = %q, want %q", got, dir)
	}
}

func TestHostNotFoundHint_NamesTheKeys(t *testing.T) {
	cfg := &Config{Hosts: map[string]HostConfig{"frigg": {}}}
	hint := cfg.HostNotFoundHint("loki")
	for _, want := range []string{"HOST_LOKI_IP", "HOST_LOKI_HOSTNAME", "frigg"} {
		if !strings.Contains(hint, want) {
			t.Errorf("hint missing %q:\n%s", want, hint)
		}
	}
}
