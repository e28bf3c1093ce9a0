package shared

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain text untouched", "persist balance failed", "persist balance failed"},
		{"email masked", "user ada@example.com rejected", "user a***@example.com rejected"},
		{"short local part", "a@example.com", "***@example.com"},
		{"hex address truncated", "addr 0xdeadbeefdeadbeefdeadbeefdeadbeef failed", "addr 0xdead...beef failed"},
		{"short hex untouched", "code deadbeef", "code deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Fatalf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactLeavesNoFullAddress(t *testing.T) {
	addr := strings.Repeat("ab", 20)
	out := Redact("tx " + addr)
	if strings.Contains(out, addr) {
		t.Fatalf("full address survived redaction: %q", out)
	}
}
