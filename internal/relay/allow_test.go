package relay

import "testing"

func TestAllowList(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		remote  string
		want    bool
	}{
		{"empty allows all", nil, "203.0.113.9:5000", true},
		{"wildcard", []string{"*"}, "203.0.113.9:5000", true},
		{"exact match", []string{"10.0.0.1"}, "10.0.0.1:4000", true},
		{"exact no match", []string{"10.0.0.1"}, "10.0.0.2:4000", false},
		{"cidr match", []string{"10.0.0.0/8"}, "10.1.2.3:4000", true},
		{"cidr no match", []string{"10.0.0.0/8"}, "192.168.0.1:4000", false},
		{"unmasked cidr", []string{"10.1.2.3/8"}, "10.200.0.1:4000", true},
		{"multiple entries", []string{"192.168.0.0/16", "10.0.0.0/8"}, "10.0.0.5:22", true},
		{"ipv6 cidr", []string{"2001:db8::/32"}, "[2001:db8::1]:22", true},
		{"v4-mapped v6", []string{"127.0.0.0/8"}, "[::ffff:127.0.0.1]:22", true},
		{"no port", []string{"127.0.0.1"}, "127.0.0.1", true},
		{"hostname refused", []string{"10.0.0.0/8"}, "example.com:22", false},
		{"blank entries ignored", []string{"", " 10.0.0.1 "}, "10.0.0.1:1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := parseAllowList(tt.entries)
			if err != nil {
				t.Fatalf("parseAllowList(%v): %v", tt.entries, err)
			}
			if got := l.allows(tt.remote); got != tt.want {
				t.Errorf("allows(%q) with %v = %v, want %v", tt.remote, tt.entries, got, tt.want)
			}
		})
	}
}

func TestParseAllowList_Invalid(t *testing.T) {
	for _, entry := range []string{"10.0.0.0/33", "not-an-ip", "10.0.0.1:22"} {
		t.Run(entry, func(t *testing.T) {
			if _, err := parseAllowList([]string{entry}); err == nil {
				t.Errorf("parseAllowList(%q) succeeded, want error", entry)
			}
		})
	}
}
