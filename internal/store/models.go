package store

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
)

// Auth method constants for tenant sync endpoints.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

// Rate limit behavior when a window is exhausted.
const (
	LimitDefer  = "defer"
	LimitReject = "reject"
)

// Event types recorded on the message event log.
const (
	EventSent          = "sent"
	EventError         = "error"
	EventDeferred      = "deferred"
	EventBounce        = "bounce"
	EventPECAcceptance = "pec_acceptance"
	EventPECDelivery   = "pec_delivery"
	EventPECFailure    = "pec_failure"
)

// SuspendAll is the batch-code wildcard that pauses every message of a
// tenant, including messages without a batch code.
const SuspendAll = "*"

// ClientAuth describes how to authenticate against a tenant's sync endpoint.
type ClientAuth struct {
	Method   string `json:"method"`
	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// Tenant is the tenancy boundary; it owns accounts and messages.
type Tenant struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Active           bool       `json:"active"`
	ClientBaseURL    string     `json:"client_base_url"`
	ClientSyncPath   string     `json:"client_sync_path"`
	Auth             ClientAuth `json:"client_auth"`
	SuspendedBatches []string   `json:"suspended_batches"`
}

// SyncURL returns the tenant's report endpoint.
func (t Tenant) SyncURL() string {
	path := t.ClientSyncPath
	if path == "" {
		path = "/proxy_sync"
	}
	return strings.TrimRight(t.ClientBaseURL, "/") + path
}

// Account is a configured outbound SMTP identity scoped to a tenant.
// Password is decrypted when the account is read back from the store.
type Account struct {
	PK             string `json:"pk"`
	TenantID       string `json:"tenant_id"`
	ID             string `json:"id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user,omitempty"`
	Password       string `json:"password,omitempty"`
	UseTLS         bool   `json:"use_tls"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	LimitPerMinute int    `json:"limit_per_minute,omitempty"`
	LimitPerHour   int    `json:"limit_per_hour,omitempty"`
	LimitPerDay    int    `json:"limit_per_day,omitempty"`
	LimitBehavior  string `json:"limit_behavior,omitempty"`
}

// Attachment is one attachment reference inside a message payload.
// StoragePath prefix selects the fetch mode when FetchMode is empty:
// "base64:" inline, "http(s)://" URL, "s3://" object storage, leading "/"
// filesystem.
type Attachment struct {
	Filename    string `json:"filename"`
	StoragePath string `json:"storage_path"`
	FetchMode   string `json:"fetch_mode,omitempty"`
	ContentMD5  string `json:"content_md5,omitempty"`
}

// Payload is the mail envelope submitted by a tenant.
type Payload struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Message is one unit of outbound mail. PK is the internal key; ID is the
// client-facing identifier, unique per tenant. A non-null SmtpTS is
// terminal: the dispatcher never touches the row again.
type Message struct {
	PK         string          `json:"pk"`
	TenantID   string          `json:"tenant_id"`
	AccountID  string          `json:"account_id"`
	ID         string          `json:"id"`
	Priority   int             `json:"priority"`
	BatchCode  string          `json:"batch_code,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"created_at"`
	DeferredTS sql.NullInt64   `json:"-"`
	SmtpTS     sql.NullInt64   `json:"-"`
}

// ReadyMessage is a pending message joined with its account's SMTP settings.
type ReadyMessage struct {
	Message
	Account Account
}

// Event is one append-only record on a message's delivery history.
// Rows from FetchUnreported carry the owning message's identifiers.
type Event struct {
	ID          int64           `json:"event_id"`
	MessagePK   string          `json:"-"`
	MessageID   string          `json:"message_id"`
	TenantID    string          `json:"tenant_id"`
	AccountID   string          `json:"account_id"`
	Type        string          `json:"event_type"`
	TS          int64           `json:"event_ts"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// InsertResult maps a submitted message id to its internal pk.
type InsertResult struct {
	ID string `json:"id"`
	PK string `json:"pk"`
}

var priorityLabels = map[string]int{
	"immediate": 0,
	"high":      1,
	"medium":    2,
	"low":       3,
}

// NormalizePriority accepts a numeric or label priority and returns the
// numeric value, defaulting to 2 (medium).
func NormalizePriority(v interface{}) int {
	switch p := v.(type) {
	case nil:
		return 2
	case float64:
		return clampPriority(int(p))
	case int:
		return clampPriority(p)
	case string:
		if n, ok := priorityLabels[strings.ToLower(strings.TrimSpace(p))]; ok {
			return n
		}
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			return clampPriority(n)
		}
	}
	return 2
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 3 {
		return 3
	}
	return p
}
