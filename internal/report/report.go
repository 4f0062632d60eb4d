// Package report pushes delivery events back to each tenant's sync
// endpoint and applies retention once events are acknowledged.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mail-relay/internal/config"
	"github.com/ignite/mail-relay/internal/metrics"
	"github.com/ignite/mail-relay/internal/pkg/httpretry"
	"github.com/ignite/mail-relay/internal/pkg/logger"
	"github.com/ignite/mail-relay/internal/store"
)

// tenantBatch collects one tenant's slice of unreported events: the
// record projections for the wire plus the event ids behind each
// message id, so acks can be mapped back.
type tenantBatch struct {
	records []map[string]interface{}
	byMsgID map[string][]int64
}

// ackResponse is the client's answer to a sync POST. All keys are
// optional; unknown keys are ignored.
type ackResponse struct {
	Sent          []string `json:"sent"`
	Error         []string `json:"error"`
	NotFound      []string `json:"not_found"`
	Queued        int      `json:"queued"`
	NextSyncAfter int64    `json:"next_sync_after"`
}

// Reporter runs the report synchronization loop.
type Reporter struct {
	store  *store.Store
	client httpretry.HTTPDoer
	cfg    config.ReportConfig

	// lastSync holds per-tenant sync stamps. A value in the future is
	// a client-issued do-not-disturb window.
	syncMu       sync.Mutex
	lastSync     map[string]int64
	runNowTenant string
	runNowSet    bool

	// Stats
	totalSynced int64
	totalFailed int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	wake    chan struct{}

	now func() int64
}

// New creates a Reporter. A nil client gets a retrying HTTP client
// with the configured POST timeout.
func New(st *store.Store, client httpretry.HTTPDoer, cfg config.ReportConfig) *Reporter {
	if client == nil {
		client = httpretry.NewRetryClient(&http.Client{Timeout: cfg.HTTPTimeout()}, 0)
	}
	return &Reporter{
		store:    st,
		client:   client,
		cfg:      cfg,
		lastSync: make(map[string]int64),
		wake:     make(chan struct{}, 1),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Start begins the report loop.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	logger.Info("reporter starting",
		"sync_interval", r.cfg.SyncInterval().String(),
		"batch_size", r.cfg.BatchSize)

	r.wg.Add(1)
	go r.run()
}

// Stop gracefully stops the loop.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	logger.Info("reporter stopped",
		"total_synced", atomic.LoadInt64(&r.totalSynced),
		"total_failed", atomic.LoadInt64(&r.totalFailed))
}

// RunNow forces the next tick to run immediately. A non-empty tenantID
// clears that tenant's do-not-disturb stamp and restricts the tick to
// it; an empty tenantID runs every tenant.
func (r *Reporter) RunNow(tenantID string) {
	r.syncMu.Lock()
	if tenantID != "" {
		r.lastSync[tenantID] = 0
	}
	r.runNowTenant = tenantID
	r.runNowSet = true
	r.syncMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stats returns running sync counters.
func (r *Reporter) Stats() map[string]int64 {
	return map[string]int64{
		"total_synced": atomic.LoadInt64(&r.totalSynced),
		"total_failed": atomic.LoadInt64(&r.totalFailed),
	}
}

// LastSync returns the tenant's last sync stamp (0 when never synced).
func (r *Reporter) LastSync(tenantID string) int64 {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	return r.lastSync[tenantID]
}

func (r *Reporter) run() {
	defer r.wg.Done()

	for {
		timer := time.NewTimer(r.nextWait())
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-r.wake:
			timer.Stop()
		}
		if err := r.Sync(r.ctx); err != nil {
			logger.Error("report sync failed", "error", err)
		}
	}
}

// nextWait returns the sleep until the next tick: the sync interval,
// shortened to the nearest do-not-disturb expiry.
func (r *Reporter) nextWait() time.Duration {
	wait := r.cfg.SyncInterval()
	now := r.now()

	r.syncMu.Lock()
	for _, ts := range r.lastSync {
		if ts > now {
			if until := time.Duration(ts-now) * time.Second; until < wait {
				wait = until
			}
		}
	}
	r.syncMu.Unlock()

	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Sync runs one reporting pass: gather unreported events, POST each
// active tenant's batch, ack what the client confirmed and sweep fully
// reported messages past retention.
func (r *Reporter) Sync(ctx context.Context) error {
	now := r.now()

	events, err := r.store.FetchUnreported(ctx, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch unreported: %w", err)
	}
	batches := groupEvents(events)

	// Every active tenant is considered, not only those with events,
	// so an idle tenant still gets a periodic heartbeat call.
	tenants, err := r.store.ListTenants(ctx, true)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	r.syncMu.Lock()
	forced := r.runNowSet
	filter := r.runNowTenant
	r.runNowSet = false
	r.syncMu.Unlock()

	backpressure := false
	for _, t := range tenants {
		if forced && filter != "" && t.ID != filter {
			continue
		}
		batch := batches[t.ID]

		r.syncMu.Lock()
		last := r.lastSync[t.ID]
		r.syncMu.Unlock()

		hasEvents := batch != nil && len(batch.records) > 0
		if !forced {
			if last > now && !hasEvents {
				// Client-issued quiet window; only new events break it.
				metrics.RecordReport("skipped_dnd")
				continue
			}
			if last > 0 && now-last < int64(r.cfg.SyncIntervalSeconds) && !hasEvents {
				continue
			}
		}

		queued, err := r.syncTenant(ctx, t, batch, now)
		if err != nil {
			atomic.AddInt64(&r.totalFailed, 1)
			metrics.RecordReport("failed")
			logger.Warn("tenant sync failed", "tenant_id", t.ID, "error", err)
			continue
		}
		if queued > 0 {
			backpressure = true
		}
		atomic.AddInt64(&r.totalSynced, 1)
		metrics.RecordReport("ok")
	}

	if retention := r.cfg.Retention(); retention > 0 {
		removed, err := r.store.RemoveFullyReportedBefore(ctx, now-int64(retention))
		if err != nil {
			logger.Error("retention sweep failed", "error", err)
		} else if removed > 0 {
			logger.Info("retention sweep", "messages_removed", removed)
		}
	}

	// A client that reports queued work gets another pass right away
	// instead of waiting out the sync interval.
	if backpressure {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// syncTenant POSTs one tenant's report batch and applies the ack. The
// returned count is the client's queued backlog, zero when absent.
func (r *Reporter) syncTenant(ctx context.Context, t store.Tenant, batch *tenantBatch, now int64) (int, error) {
	records := []map[string]interface{}{}
	if batch != nil {
		records = batch.records
	}

	body, err := json.Marshal(map[string]interface{}{"reports": records})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.SyncURL(), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch t.Auth.Method {
	case store.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+t.Auth.Token)
	case store.AuthBasic:
		req.SetBasicAuth(t.Auth.User, t.Auth.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("sync endpoint returned %d", resp.StatusCode)
	}

	var ack ackResponse
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &ack); err != nil {
			return 0, fmt.Errorf("malformed ack: %w", err)
		}
	}

	if batch != nil {
		var eventIDs []int64
		for _, ids := range [][]string{ack.Sent, ack.Error, ack.NotFound} {
			for _, msgID := range ids {
				eventIDs = append(eventIDs, batch.byMsgID[msgID]...)
			}
		}
		if len(eventIDs) > 0 {
			if err := r.store.MarkEventsReported(ctx, eventIDs, now); err != nil {
				return 0, fmt.Errorf("mark reported: %w", err)
			}
			metrics.RecordEventsReported(len(eventIDs))
		}
	}

	if ack.Queued > 0 {
		logger.Info("client backpressure", "tenant_id", t.ID, "queued", ack.Queued)
	}

	r.syncMu.Lock()
	if ack.NextSyncAfter > 0 {
		r.lastSync[t.ID] = ack.NextSyncAfter
	} else {
		r.lastSync[t.ID] = now
	}
	r.syncMu.Unlock()

	logger.Debug("tenant synced", "tenant_id", t.ID, "records", len(records))
	return ack.Queued, nil
}

// groupEvents projects events into per-tenant wire records.
func groupEvents(events []store.Event) map[string]*tenantBatch {
	out := make(map[string]*tenantBatch)
	for _, e := range events {
		b := out[e.TenantID]
		if b == nil {
			b = &tenantBatch{byMsgID: make(map[string][]int64)}
			out[e.TenantID] = b
		}
		b.records = append(b.records, projectEvent(e))
		b.byMsgID[e.MessageID] = append(b.byMsgID[e.MessageID], e.ID)
	}
	return out
}

// projectEvent renders one event in the shape its type mandates.
func projectEvent(e store.Event) map[string]interface{} {
	var meta map[string]interface{}
	if len(e.Metadata) > 0 {
		_ = json.Unmarshal(e.Metadata, &meta)
	}

	switch e.Type {
	case store.EventSent:
		return map[string]interface{}{
			"id":         e.MessageID,
			"account_id": e.AccountID,
			"sent_ts":    e.TS,
		}
	case store.EventError:
		return map[string]interface{}{
			"id":         e.MessageID,
			"account_id": e.AccountID,
			"error_ts":   e.TS,
			"error":      e.Description,
		}
	case store.EventDeferred:
		deferredTS := interface{}(e.TS)
		if v, ok := meta["deferred_ts"]; ok {
			deferredTS = v
		}
		return map[string]interface{}{
			"id":              e.MessageID,
			"deferred_ts":     deferredTS,
			"deferred_reason": e.Description,
		}
	case store.EventBounce:
		return map[string]interface{}{
			"id":            e.MessageID,
			"bounce_ts":     e.TS,
			"bounce_type":   meta["bounce_type"],
			"bounce_code":   meta["bounce_code"],
			"bounce_reason": e.Description,
		}
	case store.EventPECAcceptance, store.EventPECDelivery, store.EventPECFailure:
		return map[string]interface{}{
			"id":          e.MessageID,
			"pec_event":   e.Type,
			"pec_ts":      e.TS,
			"pec_details": e.Description,
		}
	}
	// Unknown event types pass through with their raw fields.
	return map[string]interface{}{
		"id":         e.MessageID,
		"event_type": e.Type,
		"event_ts":   e.TS,
	}
}
