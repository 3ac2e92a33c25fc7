package executil

import (
	"os"
	"path/filepath"
	"strings"
)

// sshConfigUsername finds the User directive for a host in ~/.ssh/config.
// Empty when no matching Host block declares one; ssh's own defaults then
// apply.
func sshConfigUsername(host string) string {
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return ""
	}
	return userFromSSHConfig(string(data), host)
}

func userFromSSHConfig(content, host string) string {
	inMatchingHost := false
	user := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "host":
			inMatchingHost = false
			for _, pattern := range fields[1:] {
				if wildcardMatch(pattern, host) {
					inMatchingHost = true
					break
				}
			}
		case "user":
			if inMatchingHost && user == "" {
				user = fields[1]
			}
		}
	}
	return user
}

// wildcardMatch supports * at the start, end, or both — the subset ssh
// configs actually use for host patterns.
func wildcardMatch(pattern, text string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(text, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(text, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(text, pattern[:len(pattern)-1])
	default:
		return pattern == text
	}
}
