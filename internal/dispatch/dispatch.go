// Package dispatch runs the delivery loop: it drains ready messages
// from the store, plans them against account rate limits and hands
// them to pooled SMTP connections, recording one event per outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ignite/mail-relay/internal/attach"
	"github.com/ignite/mail-relay/internal/config"
	"github.com/ignite/mail-relay/internal/envelope"
	"github.com/ignite/mail-relay/internal/metrics"
	"github.com/ignite/mail-relay/internal/pkg/logger"
	"github.com/ignite/mail-relay/internal/ratelimit"
	"github.com/ignite/mail-relay/internal/retry"
	"github.com/ignite/mail-relay/internal/smtppool"
	"github.com/ignite/mail-relay/internal/store"
)

// Sender delivers one rendered message over an account's SMTP
// settings. The production implementation is the connection pool
// adapter from NewPoolSender.
type Sender interface {
	Send(ctx context.Context, acct store.Account, from string, rcpts []string, data []byte) error
	Open() int
}

// poolSender adapts the SMTP connection pool to the Sender interface.
// Connections go back to the pool on success and are discarded on send
// failure so a broken session is never reused.
type poolSender struct {
	pool *smtppool.Pool
}

// NewPoolSender wraps the connection pool for the dispatcher.
func NewPoolSender(pool *smtppool.Pool) Sender {
	return &poolSender{pool: pool}
}

func (ps *poolSender) Send(ctx context.Context, acct store.Account, from string, rcpts []string, data []byte) error {
	settings := smtppool.Settings{
		Host:     acct.Host,
		Port:     acct.Port,
		User:     acct.User,
		Password: acct.Password,
		UseTLS:   acct.UseTLS,
		TTL:      time.Duration(acct.TTLSeconds) * time.Second,
	}
	conn, err := ps.pool.Acquire(ctx, settings)
	if err != nil {
		return err
	}
	if err := conn.Send(from, rcpts, data); err != nil {
		ps.pool.Discard(conn)
		return err
	}
	ps.pool.Release(conn)
	return nil
}

func (ps *poolSender) Open() int { return ps.pool.Size() }

// Dispatcher drives periodic delivery ticks.
type Dispatcher struct {
	store       *store.Store
	sender      Sender
	limiter     *ratelimit.Planner
	attachments *attach.Fetcher
	cfg         config.DispatchConfig

	// Stats
	totalSent     int64
	totalDeferred int64
	totalFailed   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
	wake    chan struct{}

	now func() int64
}

// New creates a Dispatcher. The limiter shares the store's send log so
// concurrent ticks cannot overshoot account windows.
func New(st *store.Store, sender Sender, fetcher *attach.Fetcher, limiter *ratelimit.Planner, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		store:       st,
		sender:      sender,
		limiter:     limiter,
		attachments: fetcher,
		cfg:         cfg,
		wake:        make(chan struct{}, 1),
		now:         func() int64 { return time.Now().Unix() },
	}
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	logger.Info("dispatcher starting",
		"tick", d.cfg.Tick().String(),
		"batch_size", d.cfg.BatchSize,
		"per_account_concurrency", d.cfg.MaxConcurrencyPerAcct)

	d.wg.Add(1)
	go d.run()
}

// Stop gracefully stops the loop, waiting for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	logger.Info("dispatcher stopped",
		"total_sent", atomic.LoadInt64(&d.totalSent),
		"total_deferred", atomic.LoadInt64(&d.totalDeferred),
		"total_failed", atomic.LoadInt64(&d.totalFailed))
}

// Wake triggers an immediate tick without waiting for the timer.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stats returns running delivery counters.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":     atomic.LoadInt64(&d.totalSent),
		"total_deferred": atomic.LoadInt64(&d.totalDeferred),
		"total_failed":   atomic.LoadInt64(&d.totalFailed),
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		if err := d.Tick(d.ctx); err != nil {
			logger.Error("dispatch tick failed", "error", err)
		}
	}
}

// Tick runs one delivery pass over the ready backlog.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now()
	msgs, err := d.store.FetchReady(ctx, d.cfg.BatchSize, now, -1, -1)
	if err != nil {
		return fmt.Errorf("fetch ready messages: %w", err)
	}
	metrics.SetPendingMessages(len(msgs))
	metrics.SetPoolConnections(d.sender.Open())
	if len(msgs) == 0 {
		return nil
	}

	// Group by sending account so one slow account cannot stall the
	// others, keeping the per-account ordering from the fetch.
	groups := make(map[string][]store.ReadyMessage)
	order := make([]string, 0)
	for _, m := range msgs {
		key := m.Account.PK
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		if bs := m.Account.BatchSize; bs > 0 && len(groups[key]) >= bs {
			continue
		}
		groups[key] = append(groups[key], m)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		group := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliverAccount(ctx, group)
		}()
	}
	wg.Wait()
	return nil
}

// deliverAccount delivers one account's slice of the batch with bounded
// concurrency.
func (d *Dispatcher) deliverAccount(ctx context.Context, msgs []store.ReadyMessage) {
	limit := int64(d.cfg.MaxConcurrencyPerAcct)
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var wg sync.WaitGroup
	for _, m := range msgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(m store.ReadyMessage) {
			defer wg.Done()
			defer sem.Release(1)
			d.deliver(ctx, m)
		}(m)
	}
	wg.Wait()
}

// deliver attempts one message and records exactly one outcome event.
// Failures in one message never abort the rest of the tick.
func (d *Dispatcher) deliver(ctx context.Context, m store.ReadyMessage) {
	now := d.now()

	plan, err := d.limiter.Plan(ctx, m.Account, now)
	if err != nil {
		logger.Error("rate limit check failed", "message_id", m.ID, "error", err)
		return
	}
	if !plan.OK() {
		metrics.RecordRateDeferral()
		if plan.Reject {
			d.markError(ctx, m, now, "rate limit exceeded")
			return
		}
		d.deferMessage(ctx, m, plan.DeferUntil, "rate limit exceeded")
		return
	}
	defer d.limiter.Release(m.Account.PK)

	var p store.Payload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		d.markError(ctx, m, now, "malformed payload: "+err.Error())
		return
	}

	atts := make([]envelope.Attachment, 0, len(p.Attachments))
	for _, ref := range p.Attachments {
		data, name, err := d.attachments.Fetch(ctx, ref)
		if err != nil {
			d.fail(ctx, m, err)
			return
		}
		atts = append(atts, envelope.Attachment{Filename: name, Data: data})
	}

	data, err := envelope.Build(p, m.ID, atts)
	if err != nil {
		d.markError(ctx, m, now, err.Error())
		return
	}

	start := time.Now()
	if err := d.sender.Send(ctx, m.Account, p.From, envelope.Recipients(p), data); err != nil {
		d.fail(ctx, m, err)
		return
	}

	sentAt := d.now()
	if err := d.store.MarkSent(ctx, m.PK, sentAt); err != nil {
		logger.Error("mark sent failed", "message_id", m.ID, "error", err)
		return
	}
	atomic.AddInt64(&d.totalSent, 1)
	metrics.RecordSend("sent", time.Since(start))
	logger.Info("message sent",
		"message_id", m.ID,
		"tenant_id", m.TenantID,
		"account_id", m.AccountID,
		"recipient", joinedRecipients(p))
}

// fail classifies a delivery error and either schedules a retry or
// records a permanent failure. The attempt index is the count of prior
// deferrals, so retry delays survive process restarts.
func (d *Dispatcher) fail(ctx context.Context, m store.ReadyMessage, sendErr error) {
	now := d.now()
	c := retry.Classify(sendErr)

	// A failed count read is a transient store problem, not a delivery
	// outcome. Leave the message pending; the next tick retries it.
	attempt, err := d.store.CountDeferrals(ctx, m.PK)
	if err != nil {
		logger.Error("count deferrals failed", "message_id", m.ID, "error", err)
		return
	}

	if c.Temporary && attempt < d.cfg.MaxRetries {
		d.deferMessage(ctx, m, now+int64(retry.Delay(attempt).Seconds()), sendErr.Error())
		return
	}
	d.markError(ctx, m, now, sendErr.Error())
}

func (d *Dispatcher) deferMessage(ctx context.Context, m store.ReadyMessage, until int64, reason string) {
	if err := d.store.SetDeferred(ctx, m.PK, until, reason); err != nil {
		logger.Error("set deferred failed", "message_id", m.ID, "error", err)
		return
	}
	atomic.AddInt64(&d.totalDeferred, 1)
	metrics.RecordSend("deferred", 0)
	logger.Warn("message deferred",
		"message_id", m.ID,
		"account_id", m.AccountID,
		"until", until,
		"reason", reason)
}

func (d *Dispatcher) markError(ctx context.Context, m store.ReadyMessage, ts int64, description string) {
	if err := d.store.MarkError(ctx, m.PK, ts, description); err != nil {
		logger.Error("mark error failed", "message_id", m.ID, "error", err)
		return
	}
	atomic.AddInt64(&d.totalFailed, 1)
	metrics.RecordSend("error", 0)
	logger.Error("message failed",
		"message_id", m.ID,
		"account_id", m.AccountID,
		"description", description)
}

func joinedRecipients(p store.Payload) string {
	return strings.Join(envelope.Recipients(p), ", ")
}
