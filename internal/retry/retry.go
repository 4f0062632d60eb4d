// Package retry classifies SMTP delivery errors and schedules redelivery.
package retry

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
	"time"
)

// MaxRetries is the number of deferrals allowed before a temporary error
// becomes permanent.
const MaxRetries = 5

// delays holds the defer delay per attempt index; attempts beyond the
// schedule reuse the last entry.
var delays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
}

// Classification is the verdict for one delivery error.
type Classification struct {
	Temporary bool
	Code      string // leading SMTP reply code when present, e.g. "535"
}

var (
	smtpCodeRe = regexp.MustCompile(`\b([245]\d\d)\b`)

	temporaryPatterns = []string{
		"421", "450", "451", "452",
		"timeout", "timed out",
		"connection refused", "connection reset", "broken pipe",
		"temporarily unavailable", "try again",
		"throttl", "rate limit", "rate-limit",
	}
	permanentPatterns = []string{
		"wrong_version_number", "certificate verify failed", "ssl handshake",
		"tls handshake", "certificate_unknown", "unknown_ca",
		"certificate has expired", "self signed certificate",
		"authentication failed", "authentication required", "auth failed",
		"535", "534", "530",
		"550 mailbox not found", "550 mailbox unknown",
	}
)

// Classify decides whether a delivery error is worth retrying.
// Typed network timeouts and connection failures are temporary; TLS and
// authentication failures are permanent; otherwise the SMTP reply code
// decides (4xx temporary, 5xx permanent except the 5.4.x transient
// routing family). Unknown errors default to temporary, biased toward
// retrying.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Temporary: true}
	}

	msg := strings.ToLower(err.Error())
	c := Classification{Code: smtpCodeRe.FindString(msg)}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		c.Temporary = true
		return c
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		c.Temporary = true
		return c
	}

	for _, p := range temporaryPatterns {
		if strings.Contains(msg, p) {
			c.Temporary = true
			return c
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			c.Temporary = false
			return c
		}
	}

	if c.Code != "" {
		switch c.Code[0] {
		case '4':
			c.Temporary = true
			return c
		case '5':
			// Enhanced status 5.4.x signals transient routing trouble.
			c.Temporary = strings.Contains(msg, "5.4.")
			return c
		}
	}

	c.Temporary = true
	return c
}

// Delay returns the defer delay for the given attempt index (0-based).
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(delays) {
		attempt = len(delays) - 1
	}
	return delays[attempt]
}

// ShouldRetry reports whether a deferral is still allowed after the
// given number of prior attempts.
func ShouldRetry(c Classification, attempt int) bool {
	return c.Temporary && attempt < MaxRetries
}
