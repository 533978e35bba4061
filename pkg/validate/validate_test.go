package validate

import (
	"testing"

	"github.com/ezsetup/ezpf/pkg/fw"
)

func TestPort(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"1", true},
		{"80", true},
		{"8080", true},
		{"65535", true},
		{"0", false},
		{"65536", false},
		{"99999", false},
		{"", false},
		{"-1", false},
		{"80a", false},
		{"8.0", false},
		{" 80", false},
		{"080", true}, // leading zeros are still all-digit and in range
	}
	for _, c := range cases {
		if got := Port(c.input); got != c.want {
			t.Errorf("Port(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestParsePort(t *testing.T) {
	if got := ParsePort("8080"); got != 8080 {
		t.Errorf("ParsePort(8080) = %d", got)
	}
	if got := ParsePort("99999"); got != 0 {
		t.Errorf("ParsePort(99999) = %d, want 0", got)
	}
}

func TestAddressIPv4(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"10.0.0.5", true},
		{"192.168.1.1", true},
		{"1.2.3.4", true},
		// Deliberately permissive: syntax only, no octet range check.
		{"999.999.999.999", true},
		{"1.2.3", false},
		{"1.2.3.4.5", false},
		{"1234.1.1.1", false},
		{"a.b.c.d", false},
		{"1.2.3.", false},
		{".1.2.3.4", false},
		{"", false},
		{"2001:db8::1", false},
	}
	for _, c := range cases {
		if got := Address(fw.FamilyIPv4, c.input); got != c.want {
			t.Errorf("Address(IPv4, %q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestAddressIPv6(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"2001:db8::1", true},
		{"fe80::1", true},
		{"::1", true},
		{"::", true},
		{"2001:0db8:85a3:0000:0000:8a2e:0370:7334", true},
		{"deadbeef", false},
		{"12345::1", false},
		{"10.0.0.5", false},
		{"g::1", false},
		{"", false},
	}
	for _, c := range cases {
		if got := Address(fw.FamilyIPv6, c.input); got != c.want {
			t.Errorf("Address(IPv6, %q) = %v, want %v", c.input, got, c.want)
		}
	}
}
