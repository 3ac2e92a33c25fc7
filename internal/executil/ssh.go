package executil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// SSHConnection executes on a remote host through the system ssh binary.
//
// On construction the connection probes whether public-key auth works; the
// result selects the argument set for every later invocation. Key auth gets
// BatchMode=yes so non-interactive calls can never hang on a password prompt;
// without it, password and keyboard-interactive methods stay enabled and the
// caller must use the interactive entry points.
type SSHConnection struct {
	host         string // [user@]host
	useKeyAuth   bool
	sudoPassword string
	sudoUser     string
}

// NewSSHConnection builds a connection to host ([user@]hostname) and probes
// key-based auth with a short, silent test command.
func NewSSHConnection(host, sudoPassword, sudoUser string) *SSHConnection {
	c := &SSHConnection{
		host:         host,
		sudoPassword: sudoPassword,
		sudoUser:     sudoUser,
	}
	probe := exec.Command("ssh",
		"-o", "ConnectTimeout=10",
		"-o", "BatchMode=yes",
		"-o", "PreferredAuthentications=publickey",
		"-o", "PasswordAuthentication=no",
		"-o", "StrictHostKeyChecking=no",
		host, "echo", "test")
	probe.Stdout = nil
	probe.Stderr = nil
	c.useKeyAuth = probe.Run() == nil
	return c
}

// Host returns the [user@]host this connection targets.
func (c *SSHConnection) Host() string { return c.host }

// UsesKeyAuth reports whether the construction-time probe succeeded.
func (c *SSHConnection) UsesKeyAuth() bool { return c.useKeyAuth }

// baseArgs builds the option set shared by every invocation. batch adds
// BatchMode=yes when key auth is available; interactive calls pass false so
// a password prompt can still surface.
func (c *SSHConnection) baseArgs(batch bool) []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=30",
	}
	if c.useKeyAuth {
		args = append(args,
			"-o", "PreferredAuthentications=publickey",
			"-o", "PasswordAuthentication=no")
		if batch {
			args = append(args, "-o", "BatchMode=yes")
		}
	} else {
		args = append(args,
			"-o", "PreferredAuthentications=publickey,keyboard-interactive,password")
	}
	return append(args, c.host)
}

// injectSudoPassword rewrites `sudo ` into an echo-pipe when a password is
// configured. The password is shell-escaped; it reaches sudo via stdin, never
// argv on the remote side.
func (c *SSHConnection) injectSudoPassword(command string) string {
	if c.sudoPassword == "" || !strings.Contains(command, "sudo ") {
		return command
	}
	prefix := "echo " + ShellEscape(c.sudoPassword) + " | sudo -S "
	if c.sudoUser != "" {
		prefix = "echo " + ShellEscape(c.sudoPassword) + " | sudo -S -u " + ShellEscape(c.sudoUser) + " "
	}
	return strings.ReplaceAll(command, "sudo ", prefix)
}

func (c *SSHConnection) ExecuteShell(command string) (*Output, error) {
	args := c.baseArgs(true)
	// ssh joins its command arguments with spaces for the remote shell, so
	// the command line is quoted to reach sh -c as a single argument.
	args = append(args, "sh", "-c", ShellEscape(c.injectSudoPassword(command)))
	return runCapture(exec.Command("ssh", args...))
}

func (c *SSHConnection) Execute(program string, args ...string) (*Output, error) {
	sshArgs := c.baseArgs(true)
	sshArgs = append(sshArgs, program)
	sshArgs = append(sshArgs, args...)
	return runCapture(exec.Command("ssh", sshArgs...))
}

func (c *SSHConnection) ExecuteShellInteractive(command string) error {
	final := c.injectSudoPassword(command)
	if final == command && strings.Contains(command, "sudo ") && c.sudoPassword == "" {
		logrus.Warn("sudo command without a configured password; the remote will prompt interactively")
	}
	args := c.baseArgs(false)
	// -tt forces a TTY so sudo and installers can prompt.
	args = append([]string{"-tt"}, args...)
	args = append(args, "sh", "-c", ShellEscape(final))

	cmd := exec.Command("ssh", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("remote shell command failed: %w", err)
	}
	return nil
}

func (c *SSHConnection) ExecuteInteractive(program string, args ...string) error {
	sshArgs := c.baseArgs(false)
	sshArgs = append([]string{"-tt"}, sshArgs...)
	sshArgs = append(sshArgs, program)
	sshArgs = append(sshArgs, args...)

	cmd := exec.Command("ssh", sshArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("remote command failed: %s: %w", program, err)
	}
	return nil
}

func (c *SSHConnection) ReadFile(path string) (string, error) {
	out, err := c.Execute("cat", path)
	if err != nil {
		return "", err
	}
	if !out.Success() {
		return "", fmt.Errorf("read remote file %s: %s", path, strings.TrimSpace(out.StderrString()))
	}
	return out.StdoutString(), nil
}

// WriteFile streams content into a remote `cat > path`. The only portable way
// to place arbitrary bytes on the far end with ssh alone.
func (c *SSHConnection) WriteFile(path string, content []byte) error {
	args := c.baseArgs(true)
	args = append(args, "sh", "-c", "cat > "+ShellEscape(path))

	cmd := exec.Command("ssh", args...)
	cmd.Stdin = bytes.NewReader(content)
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("write remote file %s: %w", path, err)
	}
	return nil
}

func (c *SSHConnection) MkdirP(path string) error {
	out, err := c.Execute("mkdir", "-p", path)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("create remote directory %s: %s", path, strings.TrimSpace(out.StderrString()))
	}
	return nil
}

func (c *SSHConnection) FileExists(path string) (bool, error) {
	out, err := c.Execute("test", "-f", path)
	if err != nil {
		return false, err
	}
	return out.Success(), nil
}

func (c *SSHConnection) IsDirectory(path string) (bool, error) {
	out, err := c.Execute("test", "-d", path)
	if err != nil {
		return false, err
	}
	return out.Success(), nil
}

func (c *SSHConnection) ListDirectory(path string) ([]string, error) {
	out, err := c.Execute("ls", "-1", path)
	if err != nil {
		return nil, err
	}
	if !out.Success() {
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(out.StdoutString(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (c *SSHConnection) CheckCommandExists(name string) bool {
	out, err := c.ExecuteShell("command -v " + ShellEscape(name))
	return err == nil && out.Success()
}

func (c *SSHConnection) IsLinux() (bool, error) {
	out, err := c.Execute("uname")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out.StdoutString()) != "Darwin", nil
}

func (c *SSHConnection) HomeDir() (string, error) {
	out, err := c.ExecuteShell("echo $HOME")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.StdoutString()), nil
}

func (c *SSHConnection) Username() (string, error) {
	out, err := c.Execute("whoami")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.StdoutString()), nil
}

func (c *SSHConnection) UID() (int, error) {
	out, err := c.Execute("id", "-u")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out.StdoutString()))
}

func (c *SSHConnection) GID() (int, error) {
	out, err := c.Execute("id", "-g")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out.StdoutString()))
}

func (c *SSHConnection) IsLocal() bool { return false }
