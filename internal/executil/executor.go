// Package executil is the uniform execution layer every command runs
// through: the same contract whether the target is this machine or a remote
// host reached over SSH.
//
// The SSH variant shells out to the system ssh binary rather than speaking
// the protocol in-process. That choice is load-bearing: it inherits the
// operator's SSH config, agent forwarding, and known-hosts database.
package executil

import (
	"fmt"

	"halvor/internal/config"
	"halvor/internal/hostid"
)

// CommandExecutor is the contract shared by the local and SSH variants.
type CommandExecutor interface {
	// ExecuteShell runs a command line through sh -c, stdin null,
	// stdout/stderr captured.
	ExecuteShell(command string) (*Output, error)

	// Execute runs a program directly (no shell), same capture semantics.
	Execute(program string, args ...string) (*Output, error)

	// ExecuteShellInteractive runs a command line with the three standard
	// streams inherited. Required whenever the remote end reads stdin (sudo
	// password prompts, installers).
	ExecuteShellInteractive(command string) error

	// ExecuteInteractive runs a program with inherited streams.
	ExecuteInteractive(program string, args ...string) error

	ReadFile(path string) (string, error)
	WriteFile(path string, content []byte) error
	MkdirP(path string) error
	FileExists(path string) (bool, error)
	IsDirectory(path string) (bool, error)
	ListDirectory(path string) ([]string, error)

	CheckCommandExists(name string) bool
	IsLinux() (bool, error)
	HomeDir() (string, error)
	Username() (string, error)
	UID() (int, error)
	GID() (int, error)

	// IsLocal discriminates the two variants.
	IsLocal() bool
}

// Output captures a finished process.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports a zero exit.
func (o *Output) Success() bool { return o.ExitCode == 0 }

// StdoutString returns stdout as text.
func (o *Output) StdoutString() string { return string(o.Stdout) }

// StderrString returns stderr as text.
func (o *Output) StderrString() string { return string(o.Stderr) }

// New resolves an executor for the named host. Local when the name refers to
// this machine (per the hostid rule), otherwise an SSH connection built from
// the host's config entry.
func New(name string, cfg *config.Config) (CommandExecutor, error) {
	if hostid.IsLocal(name, cfg) {
		return &Local{}, nil
	}

	_, hc, ok := cfg.FindHost(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrHostNotFound, cfg.HostNotFoundHint(name))
	}

	// Prefer the Tailscale hostname for connection, fall back to the IP.
	target := hostid.StripTrailingDot(hc.Hostname)
	if target == "" {
		target = hc.IP
	}
	if target == "" {
		return nil, fmt.Errorf("no IP or hostname configured for %s", name)
	}

	user := sshConfigUsername(target)
	if user == "" {
		user = sshConfigUsername(name)
	}
	if user == "" {
		user = cfg.DefaultUser
	}
	if user != "" {
		target = user + "@" + target
	}

	return NewSSHConnection(target, hc.SudoPassword, hc.SudoUser), nil
}
