package main

import "testing"

func TestParseHostPort(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
	}{
		{"frigg:13500", "frigg", 13500},
		{"frigg", "frigg", 13500},
		{"100.64.0.1:14000", "100.64.0.1", 14000},
		{"[::1]:13500", "::1", 13500},
		{"[::1]", "::1", 13500},
		{"fd7a:115c:a1e0::1", "fd7a:115c:a1e0::1", 13500},
	}
	for _, c := range cases {
		host, port := parseHostPort(c.in)
		if host != c.host || port != c.port {
			t.Errorf("parseHostPort(%q) = %q, %d; want %q, %d", c.in, host, port, c.host, c.port)
		}
	}
}
