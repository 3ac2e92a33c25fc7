// Package service manages the agent daemon under the host's native
// supervisor: systemd on Linux, launchd on macOS. Every operation runs
// through a CommandExecutor, so the target may be this machine or a remote
// host — platform detection happens against the target, never the caller.
package service

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"halvor/internal/executil"
)

// Supervisor identities.
const (
	SystemdUnitName = "halvor-agent.service"
	SystemdUnitPath = "/etc/systemd/system/halvor-agent.service"
	LaunchdLabel    = "com.halvor.agent"
)

// State of the agent service on a target.
type State string

const (
	StateAbsent  State = "absent"
	StateStopped State = "installed & stopped"
	StateRunning State = "installed & running"
)

// Options configures the installed service.
type Options struct {
	// BinaryPath is the halvor binary on the target. Empty means the
	// default install location.
	BinaryPath string
	Port       int
	WebPort    int // 0 = no web API
}

func (o *Options) binary() string {
	if o.BinaryPath != "" {
		return o.BinaryPath
	}
	return "/usr/local/bin/halvor"
}

func (o *Options) startArgs() string {
	args := fmt.Sprintf("agent start --port %d", o.Port)
	if o.WebPort > 0 {
		args += fmt.Sprintf(" --web-port %d", o.WebPort)
	}
	return args
}

// isMacOS detects the target platform through the executor.
func isMacOS(exec executil.CommandExecutor) bool {
	out, err := exec.ExecuteShell("uname -s")
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(out.StdoutString()), "darwin")
}

// SystemdUnit renders the unit file. Type=forking with a PID file matches
// the --daemon startup path; hardening keeps the agent from escalating.
func SystemdUnit(opts Options, homeDir string) string {
	return fmt.Sprintf(`[Unit]
Description=Halvor Agent
After=network-online.target
Wants=network-online.target

[Service]
Type=forking
ExecStart=%s %s --daemon
Restart=always
RestartSec=10
PIDFile=%s/.config/halvor/halvor-agent.pid
NoNewPrivileges=true
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`, opts.binary(), opts.startArgs(), homeDir)
}

// LaunchdPlist renders the launchd property list. KeepAlive on abnormal exit
// with a throttle mirrors systemd's Restart=always/RestartSec=10.
func LaunchdPlist(opts Options, homeDir string) string {
	programArgs := []string{opts.binary(), "agent", "start", "--port", fmt.Sprintf("%d", opts.Port)}
	if opts.WebPort > 0 {
		programArgs = append(programArgs, "--web-port", fmt.Sprintf("%d", opts.WebPort))
	}
	var argXML strings.Builder
	for _, a := range programArgs {
		fmt.Fprintf(&argXML, "		<string>%s</string>\n", a)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
%s	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>ThrottleInterval</key>
	<integer>10</integer>
	<key>StandardOutPath</key>
	<string>%s/Library/Logs/halvor/agent.log</string>
	<key>StandardErrorPath</key>
	<string>%s/Library/Logs/halvor/agent.err.log</string>
</dict>
</plist>
`, LaunchdLabel, argXML.String(), homeDir, homeDir)
}

// Install writes the service definition on the target, ensures log and
// config directories exist, enables and starts the service. Idempotent: an
// already-running service is left alone.
func Install(exec executil.CommandExecutor, opts Options) error {
	if opts.Port == 0 {
		opts.Port = 13500
	}
	if isMacOS(exec) {
		return installLaunchd(exec, opts)
	}
	return installSystemd(exec, opts)
}

func installSystemd(exec executil.CommandExecutor, opts Options) error {
	home, err := exec.HomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}

	if st, _ := Status(exec); st == StateRunning {
		logrus.Info("halvor agent service already running")
		return nil
	}

	if err := exec.MkdirP(home + "/.config/halvor"); err != nil {
		return err
	}
	stopStrayDaemon(exec, home)

	if err := exec.WriteFile(SystemdUnitPath, []byte(SystemdUnit(opts, home))); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	for _, cmd := range []string{
		"sudo systemctl daemon-reload",
		"sudo systemctl enable " + SystemdUnitName,
		"sudo systemctl start " + SystemdUnitName,
	} {
		if out, err := exec.ExecuteShell(cmd); err != nil {
			return err
		} else if !out.Success() {
			return fmt.Errorf("%s: %s", cmd, strings.TrimSpace(out.StderrString()))
		}
	}
	logrus.Info("halvor agent systemd service installed and started")
	return nil
}

func installLaunchd(exec executil.CommandExecutor, opts Options) error {
	home, err := exec.HomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}
	plistPath := home + "/Library/LaunchAgents/" + LaunchdLabel + ".plist"

	if st, _ := Status(exec); st == StateRunning {
		logrus.Info("halvor agent service already running")
		return nil
	}

	for _, dir := range []string{
		home + "/Library/LaunchAgents",
		home + "/Library/Logs/halvor",
		home + "/.config/halvor",
	} {
		if err := exec.MkdirP(dir); err != nil {
			return err
		}
	}
	stopStrayDaemon(exec, home)

	// Unload any stale definition before writing the new one.
	exec.ExecuteShell(fmt.Sprintf("launchctl unload -w %s 2>/dev/null", executil.ShellEscape(plistPath)))

	if err := exec.WriteFile(plistPath, []byte(LaunchdPlist(opts, home))); err != nil {
		return fmt.Errorf("write launchd plist: %w", err)
	}
	if out, err := exec.ExecuteShell("launchctl load -w " + executil.ShellEscape(plistPath)); err != nil {
		return err
	} else if !out.Success() {
		return fmt.Errorf("launchctl load: %s", strings.TrimSpace(out.StderrString()))
	}
	exec.ExecuteShell("launchctl start " + LaunchdLabel)
	logrus.Info("halvor agent launchd service installed and started")
	return nil
}

// stopStrayDaemon kills any PID-file-tracked daemon launched outside the
// supervisor, so the supervisor-managed instance owns the port.
func stopStrayDaemon(exec executil.CommandExecutor, homeDir string) {
	pidFile := homeDir + "/.config/halvor/halvor-agent.pid"
	check := fmt.Sprintf("test -f %s && kill -0 $(cat %s) 2>/dev/null && echo running || echo not_running", pidFile, pidFile)
	out, err := exec.ExecuteShell(check)
	if err != nil || strings.TrimSpace(out.StdoutString()) != "running" {
		return
	}
	logrus.Info("stopping stray halvor agent daemon")
	exec.ExecuteShell(fmt.Sprintf("kill $(cat %s) 2>/dev/null || true", pidFile))
	exec.ExecuteShell("rm -f " + pidFile)
}

// Start brings the service up: running is a no-op, installed-but-stopped is
// started, absent is installed first.
func Start(exec executil.CommandExecutor, opts Options) error {
	st, err := Status(exec)
	if err != nil {
		return err
	}
	switch st {
	case StateRunning:
		return nil
	case StateStopped:
		if isMacOS(exec) {
			_, err := exec.ExecuteShell("launchctl start " + LaunchdLabel)
			return err
		}
		out, err := exec.ExecuteShell("sudo systemctl start " + SystemdUnitName)
		if err != nil {
			return err
		}
		if !out.Success() {
			return fmt.Errorf("systemctl start: %s", strings.TrimSpace(out.StderrString()))
		}
		return nil
	default:
		return Install(exec, opts)
	}
}

// Stop signals the supervisor and also kills any stray PID-file daemon.
func Stop(exec executil.CommandExecutor) error {
	home, err := exec.HomeDir()
	if err == nil {
		stopStrayDaemon(exec, home)
	}
	if isMacOS(exec) {
		exec.ExecuteShell("launchctl stop " + LaunchdLabel)
		return nil
	}
	_, err = exec.ExecuteShell("sudo systemctl stop " + SystemdUnitName + " 2>/dev/null")
	return err
}

// Restart reloads the supervisor definition (the binary may have been
// replaced) and restarts the service.
func Restart(exec executil.CommandExecutor, opts Options) error {
	if isMacOS(exec) {
		home, err := exec.HomeDir()
		if err != nil {
			return err
		}
		plistPath := home + "/Library/LaunchAgents/" + LaunchdLabel + ".plist"
		exec.ExecuteShell("launchctl unload " + executil.ShellEscape(plistPath))
		if out, err := exec.ExecuteShell("launchctl load -w " + executil.ShellEscape(plistPath)); err != nil {
			return err
		} else if !out.Success() {
			return Install(exec, opts)
		}
		exec.ExecuteShell("launchctl start " + LaunchdLabel)
		return nil
	}

	if out, err := exec.ExecuteShell("sudo systemctl daemon-reload"); err != nil {
		return err
	} else if !out.Success() {
		return fmt.Errorf("daemon-reload: %s", strings.TrimSpace(out.StderrString()))
	}
	out, err := exec.ExecuteShell("sudo systemctl restart " + SystemdUnitName)
	if err != nil {
		return err
	}
	if !out.Success() {
		return fmt.Errorf("systemctl restart: %s", strings.TrimSpace(out.StderrString()))
	}
	return nil
}

// Status reads the supervisor's view of the service.
func Status(exec executil.CommandExecutor) (State, error) {
	if isMacOS(exec) {
		out, err := exec.ExecuteShell("launchctl list " + LaunchdLabel + " 2>/dev/null")
		if err != nil {
			return StateAbsent, err
		}
		if !out.Success() {
			return StateAbsent, nil
		}
		pidOut, _ := exec.ExecuteShell("launchctl list " + LaunchdLabel + " 2>/dev/null | awk 'NR==1{print $1}'")
		pid := ""
		if pidOut != nil {
			pid = strings.TrimSpace(pidOut.StdoutString())
		}
		if pid != "" && pid != "-" {
			return StateRunning, nil
		}
		return StateStopped, nil
	}

	exists, err := exec.FileExists(SystemdUnitPath)
	if err != nil {
		return StateAbsent, err
	}
	if !exists {
		return StateAbsent, nil
	}
	out, err := exec.ExecuteShell("systemctl is-active " + SystemdUnitName + " 2>/dev/null || echo inactive")
	if err != nil {
		return StateStopped, err
	}
	if strings.TrimSpace(out.StdoutString()) == "active" {
		return StateRunning, nil
	}
	return StateStopped, nil
}
