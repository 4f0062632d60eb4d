package logger

import (
	"testing"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  string
	}{
		{"normal address", "john.doe@example.com", "jo***@example.com"},
		{"short local part", "ab@example.com", "***@example.com"},
		{"single char local part", "a@example.com", "***@example.com"},
		{"not an address", "plain-string", "***@***"},
		{"double at sign", "a@b@c.com", "***@***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactEmail(tt.email); got != tt.want {
				t.Errorf("RedactEmail(%q) = %q, want %q", tt.email, got, tt.want)
			}
		})
	}
}

func TestRedactAddressList(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want string
	}{
		{"single address", "alice@example.com", "al***@example.com"},
		{"list", "alice@example.com,bob@example.com", "al***@example.com, bo***@example.com"},
		{"mixed list", "alice@example.com, smtp-main", "al***@example.com, smtp-main"},
		{"no addresses", "smtp-main", "smtp-main"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactAddressList(tt.val); got != tt.want {
				t.Errorf("RedactAddressList(%q) = %q, want %q", tt.val, got, tt.want)
			}
		})
	}
}

func TestRedactPIIValue(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"recipient key", "to", "alice@example.com", "al***@example.com"},
		{"smtp user key", "smtp_user", "relay@example.com", "re***@example.com"},
		{"generic key with embedded address", "error", "550 mailbox alice@example.com unknown", "550 mailbox al***@example.com unknown"},
		{"generic key without address", "tenant_id", "t1", "t1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactPIIValue(tt.key, tt.val); got != tt.want {
				t.Errorf("redactPIIValue(%q, %q) = %q, want %q", tt.key, tt.val, got, tt.want)
			}
		})
	}
}
