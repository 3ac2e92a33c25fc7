// Package config loads the operator-provided environment file and resolves
// the paths halvor uses for its database, logs, and PID files.
//
// Host entries are declared as HOST_<NAME>_* keys in a key=value .env file:
//
//	HOST_FRIGG_IP="100.66.176.17"
//	HOST_FRIGG_HOSTNAME="frigg.bombay-pinecone.ts.net"
//	HOST_FRIGG_SUDO_PASS="..."       # optional, held in memory only
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultAgentPort is the TCP port the agent RPC server listens on.
const DefaultAgentPort = 13500

// HostConfig is one operator-declared host.
type HostConfig struct {
	IP           string
	Hostname     string // typically the Tailscale DNS name; stored with trailing dot stripped
	BackupPath   string
	SudoPassword string // secret: never interpolated into argv, piped via stdin only
	SudoUser     string
}

// Config is the loaded environment file plus process environment.
type Config struct {
	// Hosts is keyed by the normalized (lowercase, short) host name.
	Hosts map[string]HostConfig

	// DefaultUser is the username used for SSH when neither the SSH config
	// nor the host entry provides one.
	DefaultUser string

	// Env is the HALVOR_ENV value ("development" switches install paths).
	Env string
}

// ErrHostNotFound is returned (wrapped) when a hostname has no config entry.
// User-facing code appends the remediation snippet from HostNotFoundHint.
var ErrHostNotFound = fmt.Errorf("host not found in config")

// Load reads the .env file at path (if it exists) merged with the process
// environment. A missing file is not an error; the process environment alone
// may declare hosts.
func Load(path string) (*Config, error) {
	env := map[string]string{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fileEnv, err := godotenv.Read(path)
			if err != nil {
				return nil, fmt.Errorf("parse env file %s: %w", path, err)
			}
			for k, v := range fileEnv {
				env[k] = v
			}
		}
	}

	// Process environment wins over the file.
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	cfg := &Config{
		Hosts:       parseHosts(env),
		DefaultUser: env["HALVOR_DEFAULT_USER"],
		Env:         env["HALVOR_ENV"],
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = os.Getenv("USER")
	}
	return cfg, nil
}

// LoadDefault loads from ./.env.
func LoadDefault() (*Config, error) {
	return Load(".env")
}

// parseHosts extracts HOST_<NAME>_<FIELD> keys. The host key is normalized to
// lowercase; hostnames have any trailing dot stripped, since absolute DNS
// notation breaks SSH resolution and peer matching downstream.
func parseHosts(env map[string]string) map[string]HostConfig {
	hosts := map[string]HostConfig{}
	for key, value := range env {
		if !strings.HasPrefix(key, "HOST_") {
			continue
		}
		rest := strings.TrimPrefix(key, "HOST_")
		var name, field string
		switch {
		case strings.HasSuffix(rest, "_IP"):
			name, field = strings.TrimSuffix(rest, "_IP"), "ip"
		case strings.HasSuffix(rest, "_HOSTNAME"):
			name, field = strings.TrimSuffix(rest, "_HOSTNAME"), "hostname"
		case strings.HasSuffix(rest, "_BACKUP_PATH"):
			name, field = strings.TrimSuffix(rest, "_BACKUP_PATH"), "backup_path"
		case strings.HasSuffix(rest, "_SUDO_PASS"):
			name, field = strings.TrimSuffix(rest, "_SUDO_PASS"), "sudo_pass"
		case strings.HasSuffix(rest, "_SUDO_USER"):
			name, field = strings.TrimSuffix(rest, "_SUDO_USER"), "sudo_user"
		default:
			continue
		}
		if name == "" {
			continue
		}
		name = strings.ToLower(name)
		hc := hosts[name]
		value = strings.Trim(value, `"'`)
		switch field {
		case "ip":
			hc.IP = value
		case "hostname":
			hc.Hostname = strings.TrimSuffix(value, ".")
		case "backup_path":
			hc.BackupPath = value
		case "sudo_pass":
			hc.SudoPassword = value
		case "sudo_user":
			hc.SudoUser = value
		}
		hosts[name] = hc
	}
	return hosts
}

// FindHost looks up a host entry, also trying the normalized short form of
// the name as key. Returns the canonical key and the entry.
func (c *Config) FindHost(name string) (string, HostConfig, bool) {
	lower := strings.ToLower(strings.TrimSuffix(name, "."))
	if hc, ok := c.Hosts[lower]; ok {
		return lower, hc, true
	}
	short := lower
	if i := strings.IndexByte(short, '.'); i > 0 {
		short = short[:i]
	}
	if hc, ok := c.Hosts[short]; ok {
		return short, hc, true
	}
	return "", HostConfig{}, false
}

// HostNames returns the configured host keys, sorted.
func (c *Config) HostNames() []string {
	names := make([]string, 0, len(c.Hosts))
	for n := range c.Hosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HostNotFoundHint renders the remediation snippet for a missing host entry.
func (c *Config) HostNotFoundHint(name string) string {
	upper := strings.ToUpper(name)
	return fmt.Sprintf(
		"Host '%s' not found in config.\n\nAvailable hosts: %s\n\nAdd to .env:\n  HOST_%s_IP=\"<ip-address>\"\n  HOST_%s_HOSTNAME=\"<hostname>\"",
		name, strings.Join(c.HostNames(), ", "), upper, upper)
}

// DBDir resolves the directory holding the sqlite database: HALVOR_DB_DIR
// when set, otherwise <user config dir>/halvor.
func DBDir() (string, error) {
	if dir := os.Getenv("HALVOR_DB_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home := os.Getenv("HOME")
		if home == "" {
			return "", fmt.Errorf("resolve config dir: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "halvor"), nil
}

// DBPath is the full path of the sqlite database file.
func DBPath() (string, error) {
	dir, err := DBDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "halvor.db"), nil
}

// AgentPIDFile is where the foreground-daemonized agent records its PID.
func AgentPIDFile() (string, error) {
	dir, err := DBDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "halvor-agent.pid"), nil
}

// AgentLogFile is where the daemonized agent appends its output.
func AgentLogFile() (string, error) {
	dir, err := DBDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "halvor-agent.log"), nil
}

// IsDevelopment reports whether HALVOR_ENV selects development paths.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}
