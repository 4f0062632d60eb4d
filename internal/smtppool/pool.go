// Package smtppool maintains bounded pools of live SMTP connections
// keyed by (host, port, user), with idle TTLs, NOOP health probes and
// FIFO waiters when a pool is saturated.
package smtppool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"sync"
	"time"

	"github.com/ignite/mail-relay/internal/pkg/logger"
)

var (
	// ErrTimeout is returned when no connection frees up within the
	// acquire timeout.
	ErrTimeout = errors.New("smtppool: acquire timeout")
	// ErrClosed is returned for acquires after CloseAll.
	ErrClosed = errors.New("smtppool: pool closed")
)

// Settings identifies and configures one SMTP endpoint.
type Settings struct {
	Host     string
	Port     int
	User     string
	Password string
	UseTLS   bool
	TTL      time.Duration // idle TTL override; zero uses the pool default
}

func (s Settings) key() poolKey {
	return poolKey{host: s.Host, port: s.Port, user: s.User}
}

type poolKey struct {
	host string
	port int
	user string
}

func (k poolKey) String() string {
	return fmt.Sprintf("%s:%d/%s", k.host, k.port, k.user)
}

// smtpConn is the subset of *smtp.Client the pool depends on.
type smtpConn interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Noop() error
	Quit() error
	Close() error
}

// DialFunc opens an authenticated SMTP session. The returned net.Conn is
// used for health-probe deadlines and may be nil in tests.
type DialFunc func(ctx context.Context, s Settings) (smtpConn, net.Conn, error)

// Conn is a pooled SMTP session checked out by one sender at a time.
type Conn struct {
	cli       smtpConn
	raw       net.Conn
	settings  Settings
	createdAt time.Time
}

// Send transmits one message over the session.
func (c *Conn) Send(from string, rcpts []string, data []byte) error {
	if err := c.cli.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.cli.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.cli.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// handoff is what a saturated acquirer receives: either a live connection
// or permission to dial into a freed slot.
type handoff struct {
	conn *Conn
}

type keyState struct {
	idle    []*Conn
	total   int // in-use + idle
	waiters []chan handoff
}

// Pool is the connection pool. All methods are safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	keys   map[poolKey]*keyState
	closed bool

	maxPerKey      int
	defaultTTL     time.Duration
	acquireTimeout time.Duration
	connectTimeout time.Duration

	dial DialFunc
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialer replaces the SMTP dialer, mainly for tests.
func WithDialer(d DialFunc) Option {
	return func(p *Pool) { p.dial = d }
}

// New creates a pool. maxPerKey bounds live connections per endpoint.
func New(maxPerKey int, defaultTTL, acquireTimeout, connectTimeout time.Duration, opts ...Option) *Pool {
	if maxPerKey <= 0 {
		maxPerKey = 2
	}
	if defaultTTL <= 0 {
		defaultTTL = 300 * time.Second
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	p := &Pool{
		keys:           make(map[poolKey]*keyState),
		maxPerKey:      maxPerKey,
		defaultTTL:     defaultTTL,
		acquireTimeout: acquireTimeout,
		connectTimeout: connectTimeout,
	}
	p.dial = p.dialSMTP
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire returns a live connection for the endpoint, reusing a healthy
// idle one, dialing a new one while the per-key bound allows, or waiting
// FIFO behind other senders otherwise.
func (p *Pool) Acquire(ctx context.Context, s Settings) (*Conn, error) {
	key := s.key()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		ks := p.state(key)

		var conn *Conn
		switch {
		case len(ks.idle) > 0:
			conn = ks.idle[len(ks.idle)-1]
			ks.idle = ks.idle[:len(ks.idle)-1]
			p.mu.Unlock()
		case ks.total < p.maxPerKey:
			ks.total++
			p.mu.Unlock()
			return p.dialSlot(ctx, key, s)
		default:
			// Saturated: queue behind earlier waiters.
			ch := make(chan handoff, 1)
			ks.waiters = append(ks.waiters, ch)
			p.mu.Unlock()

			timer := time.NewTimer(p.acquireTimeout)
			defer timer.Stop()
			select {
			case h, ok := <-ch:
				if !ok {
					return nil, ErrClosed
				}
				if h.conn != nil {
					return h.conn, nil
				}
				// A slot freed up; the releaser already counted it for us.
				return p.dialSlot(ctx, key, s)
			case <-timer.C:
				p.abandonWaiter(key, ch)
				return nil, ErrTimeout
			case <-ctx.Done():
				p.abandonWaiter(key, ch)
				return nil, ctx.Err()
			}
		}

		// Probe outside the lock; a slow endpoint must not stall
		// acquires for other accounts.
		if p.alive(conn, s) {
			return conn, nil
		}
		conn.cli.Close()
		p.mu.Lock()
		p.freeSlotLocked(p.state(key))
		p.mu.Unlock()
	}
}

// dialSlot dials within an already-reserved slot, releasing it on failure.
func (p *Pool) dialSlot(ctx context.Context, key poolKey, s Settings) (*Conn, error) {
	cli, raw, err := p.dial(ctx, s)
	if err != nil {
		p.mu.Lock()
		p.freeSlotLocked(p.state(key))
		p.mu.Unlock()
		return nil, err
	}
	return &Conn{cli: cli, raw: raw, settings: s, createdAt: time.Now()}, nil
}

// Release returns a connection after use. Healthy connections inside
// their TTL go back to the pool (or straight to the next waiter); the
// rest are closed quietly.
func (p *Pool) Release(c *Conn) {
	key := c.settings.key()

	// The NOOP probe can block on a dead peer; never hold the pool
	// lock across it.
	healthy := p.alive(c, c.settings)

	p.mu.Lock()
	if p.closed {
		c.cli.Close()
		p.mu.Unlock()
		return
	}
	ks := p.state(key)

	if healthy {
		if p.wakeWaiterLocked(ks, handoff{conn: c}) {
			p.mu.Unlock()
			return
		}
		ks.idle = append(ks.idle, c)
		p.mu.Unlock()
		return
	}

	c.cli.Close()
	p.freeSlotLocked(ks)
	p.mu.Unlock()
}

// Discard drops a connection whose session errored mid-send.
func (p *Pool) Discard(c *Conn) {
	key := c.settings.key()
	c.cli.Close()

	p.mu.Lock()
	p.freeSlotLocked(p.state(key))
	p.mu.Unlock()
}

// Cleanup closes idle connections past their TTL. Run it on a timer.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for key, ks := range p.keys {
		kept := ks.idle[:0]
		for _, c := range ks.idle {
			if now.Sub(c.createdAt) >= p.ttlFor(c.settings) {
				c.cli.Quit()
				ks.total--
			} else {
				kept = append(kept, c)
			}
		}
		ks.idle = kept
		if ks.total == 0 && len(ks.waiters) == 0 {
			delete(p.keys, key)
		}
	}
}

// Run executes the cleanup loop until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cleanup()
		}
	}
}

// CloseAll drains every idle connection and rejects pending waiters.
// The pool refuses new acquires afterwards.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for key, ks := range p.keys {
		for _, c := range ks.idle {
			c.cli.Quit()
		}
		for _, ch := range ks.waiters {
			close(ch)
		}
		delete(p.keys, key)
	}
}

// Size returns the number of live connections across all endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ks := range p.keys {
		n += ks.total
	}
	return n
}

func (p *Pool) state(key poolKey) *keyState {
	ks := p.keys[key]
	if ks == nil {
		ks = &keyState{}
		p.keys[key] = ks
	}
	return ks
}

func (p *Pool) ttlFor(s Settings) time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return p.defaultTTL
}

// alive probes the session with a deadline-bounded NOOP and checks the
// idle TTL. Probe errors only ever close the connection, never surface.
func (p *Pool) alive(c *Conn, s Settings) bool {
	if time.Since(c.createdAt) >= p.ttlFor(s) {
		return false
	}
	if c.raw != nil {
		c.raw.SetDeadline(time.Now().Add(5 * time.Second))
		defer c.raw.SetDeadline(time.Time{})
	}
	return c.cli.Noop() == nil
}

// freeSlotLocked releases a connection slot. If a waiter is queued, the
// slot transfers to it (an empty handoff is permission to dial);
// otherwise the slot count drops. Callers hold p.mu.
func (p *Pool) freeSlotLocked(ks *keyState) {
	if p.wakeWaiterLocked(ks, handoff{}) {
		return
	}
	ks.total--
}

// wakeWaiterLocked hands h to the oldest waiter. Callers hold p.mu.
func (p *Pool) wakeWaiterLocked(ks *keyState, h handoff) bool {
	if len(ks.waiters) == 0 {
		return false
	}
	ch := ks.waiters[0]
	ks.waiters = ks.waiters[1:]
	ch <- h
	return true
}

// abandonWaiter removes a timed-out waiter, re-dispatching any handoff
// that raced in before the removal.
func (p *Pool) abandonWaiter(key poolKey, ch chan handoff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks := p.state(key)
	for i, w := range ks.waiters {
		if w == ch {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			return
		}
	}
	// Already woken: pass the handoff along so the slot is not lost.
	select {
	case h := <-ch:
		if h.conn != nil {
			if !p.wakeWaiterLocked(ks, h) {
				ks.idle = append(ks.idle, h.conn)
			}
		} else {
			p.freeSlotLocked(ks)
		}
	default:
	}
}

// dialSMTP opens a session per the TLS port conventions: 465 speaks
// implicit TLS, other ports upgrade via STARTTLS when use_tls is set and
// stay plaintext otherwise.
func (p *Pool) dialSMTP(ctx context.Context, s Settings) (smtpConn, net.Conn, error) {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	d := &net.Dialer{Timeout: p.connectTimeout}

	var raw net.Conn
	var err error
	if s.Port == 465 {
		raw, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: s.Host})
	} else {
		raw, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	cli, err := smtp.NewClient(raw, s.Host)
	if err != nil {
		raw.Close()
		return nil, nil, fmt.Errorf("smtp handshake %s: %w", addr, err)
	}

	if s.UseTLS && s.Port != 465 {
		if err := cli.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
			cli.Close()
			return nil, nil, fmt.Errorf("starttls %s: %w", addr, err)
		}
	}

	if s.User != "" {
		auth := smtp.PlainAuth("", s.User, s.Password, s.Host)
		if err := cli.Auth(auth); err != nil {
			cli.Close()
			return nil, nil, fmt.Errorf("smtp auth %s: %w", addr, err)
		}
	}

	logger.Debug("smtppool: dialed connection", "host", s.Host, "port", s.Port, "smtp_user", s.User)
	return cli, raw, nil
}
