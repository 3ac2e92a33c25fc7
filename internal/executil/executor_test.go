package executil

import (
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"halvor/internal/config"
)

func TestShellEscape(t *testing.T) {
	cases := map[string]string{
		"":                 "''",
		"plain":            "plain",
		"with-dash_ok./$":  "with-dash_ok./$",
		"has space":        "'has space'",
		"it's":             `'it'"'"'s'`,
		"a;b":              "'a;b'",
		`quote"inside`:     `'quote"inside'`,
	}
	for in, want := range cases {
		if got := ShellEscape(in); got != want {
			t.Errorf("ShellEscape(%q) = %q, want %q", in, got, want)
		}
	}
}

// Invariant: sh -c 'printf %s <escaped>' prints the original string exactly
// (printf rather than echo, so no trailing newline or backslash handling).
func TestShellEscape_EchoRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	inputs := []string{
		"plain", "two words", "it's", `"double"`, "a;b|c&d", "tab\there",
		"'leading", "trailing'", `back\slash`, "*glob?",
	}
	local := &Local{}
	for _, in := range inputs {
		out, err := local.ExecuteShell("printf %s " + ShellEscape(in))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !out.Success() {
			t.Fatalf("printf failed for %q: %s", in, out.StderrString())
		}
		if got := out.StdoutString(); got != in {
			t.Errorf("round trip %q -> %q", in, got)
		}
	}
}

func TestLocal_ExecuteShellCapturesOutput(t *testing.T) {
	local := &Local{}
	out, err := local.ExecuteShell("echo hello; echo oops >&2")
	if err != nil {
		t.Fatalf("ExecuteShell: %v", err)
	}
	if strings.TrimSpace(out.StdoutString()) != "hello" {
		t.Errorf("stdout = %q", out.StdoutString())
	}
	if strings.TrimSpace(out.StderrString()) != "oops" {
		t.Errorf("stderr = %q", out.StderrString())
	}
	if !out.Success() {
		t.Error("expected success")
	}
}

func TestLocal_NonZeroExitIsNotAnError(t *testing.T) {
	local := &Local{}
	out, err := local.ExecuteShell("exit 3")
	if err != nil {
		t.Fatalf("ExecuteShell: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", out.ExitCode)
	}
	if out.Success() {
		t.Error("Success() should be false")
	}
}

func TestLocal_FileOperations(t *testing.T) {
	local := &Local{}
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.txt")

	if err := local.MkdirP(filepath.Dir(path)); err != nil {
		t.Fatalf("MkdirP: %v", err)
	}
	if err := local.WriteFile(path, []byte("content")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := local.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "content" {
		t.Errorf("ReadFile = %q", got)
	}

	exists, err := local.FileExists(path)
	if err != nil || !exists {
		t.Errorf("FileExists = %v, %v", exists, err)
	}
	isDir, err := local.IsDirectory(filepath.Dir(path))
	if err != nil || !isDir {
		t.Errorf("IsDirectory = %v, %v", isDir, err)
	}
	names, err := local.ListDirectory(filepath.Dir(path))
	if err != nil || len(names) != 1 || names[0] != "file.txt" {
		t.Errorf("ListDirectory = %v, %v", names, err)
	}
}

func TestNeedsElevation(t *testing.T) {
	elevated := []string{"/etc/systemd/system/halvor-agent.service", "/usr/local/bin/halvor", "/opt/x", "/var/lib/halvor/db"}
	for _, p := range elevated {
		if !needsElevation(p) {
			t.Errorf("needsElevation(%q) = false", p)
		}
	}
	for _, p := range []string{"/home/user/x", "/tmp/y", "/etcetera"} {
		if needsElevation(p) {
			t.Errorf("needsElevation(%q) = true", p)
		}
	}
}

func TestNew_LocalForSelf(t *testing.T) {
	t.Setenv("HOSTNAME", "frigg")
	cfg := &config.Config{Hosts: map[string]config.HostConfig{
		"frigg": {IP: "100.66.176.17", Hostname: "frigg.bombay-pinecone.ts.net"},
	}}

	exec, err := New("frigg", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !exec.IsLocal() {
		t.Error("executor for own hostname should be local")
	}

	exec, err = New("localhost", cfg)
	if err != nil {
		t.Fatalf("New(localhost): %v", err)
	}
	if !exec.IsLocal() {
		t.Error("localhost should be local")
	}
}

func TestNew_UnknownHostGetsHint(t *testing.T) {
	t.Setenv("HOSTNAME", "frigg")
	cfg := &config.Config{Hosts: map[string]config.HostConfig{"frigg": {}}}
	_, err := New("valhalla", cfg)
	if err == nil {
		t.Fatal("expected error for unknown host")
	}
	if !strings.Contains(err.Error(), "HOST_VALHALLA_IP") {
		t.Errorf("error lacks remediation hint: %v", err)
	}
}

func TestUserFromSSHConfig(t *testing.T) {
	conf := `
# comment
Host frigg frigg.bombay-pinecone.ts.net
    User deploy

Host *.ts.net
	User tsuser

Host *
    User fallback
`
	if got := userFromSSHConfig(conf, "frigg"); got != "deploy" {
		t.Errorf("frigg user = %q", got)
	}
	if got := userFromSSHConfig(conf, "odin.ts.net"); got != "tsuser" {
		t.Errorf("odin.ts.net user = %q", got)
	}
	if got := userFromSSHConfig(conf, "elsewhere"); got != "fallback" {
		t.Errorf("elsewhere user = %q", got)
	}
}

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		pattern, text string
		want          bool
	}{
		{"*", "anything", true},
		{"*.ts.net", "frigg.ts.net", true},
		{"*.ts.net", "frigg.local", false},
		{"frigg*", "frigg.ts.net", true},
		{"*pine*", "bombay-pinecone", true},
		{"frigg", "frigg", true},
		{"frigg", "odin", false},
	}
	for _, c := range cases {
		if got := wildcardMatch(c.pattern, c.text); got != c.want {
			t.Errorf("wildcardMatch(%q, %q) = %v", c.pattern, c.text, got)
		}
	}
}
