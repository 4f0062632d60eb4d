package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o operation timed out" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTemporary bool
	}{
		{"auth failed 535", errors.New("535 authentication failed"), false},
		{"auth required", errors.New("530 authentication required"), false},
		{"tls handshake", errors.New("tls handshake failure"), false},
		{"certificate verify", errors.New("x509: certificate verify failed"), false},
		{"mailbox unknown", errors.New("550 mailbox unknown"), false},
		{"generic 550", errors.New("550 5.7.1 relaying denied"), false},
		{"552 storage exceeded", errors.New("552 message size exceeds limit"), false},
		{"transient routing 5.4.x", errors.New("554 5.4.7 delivery time expired"), true},
		{"greylisting 450", errors.New("450 try again later"), true},
		{"service unavailable 421", errors.New("421 service not available"), true},
		{"generic 4xx", errors.New("452 insufficient system storage"), true},
		{"throttled", errors.New("recipient server throttling connections"), true},
		{"rate limited", errors.New("sending rate limit exceeded"), true},
		{"timeout interface", timeoutErr{}, true},
		{"context deadline", context.DeadlineExceeded, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"connection reset string", errors.New("read: connection reset by peer"), true},
		{"unknown error defaults temporary", errors.New("something odd happened"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			if c.Temporary != tt.wantTemporary {
				t.Errorf("Classify(%v).Temporary = %v, want %v", tt.err, c.Temporary, tt.wantTemporary)
			}
		})
	}
}

func TestClassifyExtractsCode(t *testing.T) {
	c := Classify(errors.New("535 authentication failed"))
	if c.Code != "535" {
		t.Errorf("Code = %q, want 535", c.Code)
	}
	c = Classify(fmt.Errorf("wrapped: %w", errors.New("421 too many connections")))
	if c.Code != "421" {
		t.Errorf("Code = %q, want 421", c.Code)
	}
}

func TestDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 300 * time.Second},
		{2, 900 * time.Second},
		{3, 1800 * time.Second},
		{4, 3600 * time.Second},
		{5, 3600 * time.Second},
		{99, 3600 * time.Second},
		{-1, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	temp := Classification{Temporary: true}
	perm := Classification{Temporary: false}

	if !ShouldRetry(temp, 0) {
		t.Error("first temporary failure should retry")
	}
	if !ShouldRetry(temp, MaxRetries-1) {
		t.Error("temporary failure below the cap should retry")
	}
	if ShouldRetry(temp, MaxRetries) {
		t.Error("temporary failure at the cap should not retry")
	}
	if ShouldRetry(perm, 0) {
		t.Error("permanent failure should never retry")
	}
}
