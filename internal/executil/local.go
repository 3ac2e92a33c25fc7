package executil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"strings"
)

// Local executes directly on this machine.
type Local struct{}

func runCapture(cmd *exec.Cmd) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = nil

	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

func (l *Local) ExecuteShell(command string) (*Output, error) {
	return runCapture(exec.Command("sh", "-c", command))
}

func (l *Local) Execute(program string, args ...string) (*Output, error) {
	return runCapture(exec.Command(program, args...))
}

func (l *Local) ExecuteShellInteractive(command string) error {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Pagers and apt prompts hang non-TTY runs.
	cmd.Env = append(os.Environ(),
		"PAGER=cat",
		"SYSTEMD_PAGER=cat",
		"DEBIAN_FRONTEND=noninteractive",
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell command failed: %w", err)
	}
	return nil
}

func (l *Local) ExecuteInteractive(program string, args ...string) error {
	cmd := exec.Command(program, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %s %v: %w", program, args, err)
	}
	return nil
}

func (l *Local) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	return string(data), nil
}

// needsElevation reports whether a path lives under a system directory the
// invoking user normally cannot write.
func needsElevation(path string) bool {
	for _, prefix := range []string{"/etc/", "/usr/local/bin/", "/opt/", "/var/lib/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (l *Local) WriteFile(path string, content []byte) error {
	if needsElevation(path) {
		// Pipe through sudo tee; the content never touches argv.
		cmd := exec.Command("sudo", "tee", path)
		cmd.Stdin = bytes.NewReader(content)
		cmd.Stdout = nil
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("write file %s: %w", path, err)
		}
		return nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}

func (l *Local) MkdirP(path string) error {
	if needsElevation(path) {
		out, err := l.Execute("sudo", "mkdir", "-p", path)
		if err != nil {
			return err
		}
		if !out.Success() {
			return fmt.Errorf("create directory %s: %s", path, out.StderrString())
		}
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func (l *Local) FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (l *Local) IsDirectory(path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (l *Local) ListDirectory(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (l *Local) CheckCommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func (l *Local) IsLinux() (bool, error) {
	return runtime.GOOS == "linux", nil
}

func (l *Local) HomeDir() (string, error) {
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}
	return os.UserHomeDir()
}

func (l *Local) Username() (string, error) {
	u, err := user.Current()
	if err != nil {
		if name := os.Getenv("USER"); name != "" {
			return name, nil
		}
		return "", err
	}
	return u.Username, nil
}

func (l *Local) UID() (int, error) {
	u, err := user.Current()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

func (l *Local) GID() (int, error) {
	u, err := user.Current()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Gid)
}

func (l *Local) IsLocal() bool { return true }
