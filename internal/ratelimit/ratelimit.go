// Package ratelimit plans sends against per-account sliding windows
// backed by the send log.
package ratelimit

import (
	"context"
	"sync"

	"github.com/ignite/mail-relay/internal/store"
)

// Counter reads send totals from the persistent send log.
type Counter interface {
	CountSendsSince(ctx context.Context, accountPK string, sinceTS int64) (int, error)
}

// Window sizes in seconds, checked in ascending order.
var windows = []int64{60, 3600, 86400}

// Plan is the limiter's verdict for one send.
// DeferUntil == 0 means the send may proceed now.
type Plan struct {
	DeferUntil int64
	Reject     bool
}

// OK reports whether the send may proceed.
func (p Plan) OK() bool { return p.DeferUntil == 0 }

// Planner combines persisted send counts with in-flight reservations so
// that concurrent sends inside one dispatch tick cannot overshoot a
// window. Reservations are released once the outcome is recorded; a
// successful send is then visible through the send log instead.
type Planner struct {
	counter Counter

	mu       sync.Mutex
	inflight map[string]int
}

// New creates a Planner over the given counter (normally the store).
func New(counter Counter) *Planner {
	return &Planner{
		counter:  counter,
		inflight: make(map[string]int),
	}
}

// Plan checks every configured window of the account at wall time now.
// A limit of zero is unlimited. When one or more windows are exhausted,
// the deferral lands on the latest next-window boundary among them, and
// Reject reflects the account's limit behavior. When all windows have
// room, a slot is reserved and must be released via Release.
func (p *Planner) Plan(ctx context.Context, acct store.Account, now int64) (Plan, error) {
	limits := []int{acct.LimitPerMinute, acct.LimitPerHour, acct.LimitPerDay}

	p.mu.Lock()
	defer p.mu.Unlock()

	var deferUntil int64
	for i, window := range windows {
		limit := limits[i]
		if limit <= 0 {
			continue
		}
		count, err := p.counter.CountSendsSince(ctx, acct.PK, now-window)
		if err != nil {
			return Plan{}, err
		}
		if count+p.inflight[acct.PK] >= limit {
			// Ceil to the next window boundary.
			until := (now/window + 1) * window
			if until > deferUntil {
				deferUntil = until
			}
		}
	}

	if deferUntil > 0 {
		return Plan{DeferUntil: deferUntil, Reject: acct.LimitBehavior == store.LimitReject}, nil
	}

	p.inflight[acct.PK]++
	return Plan{}, nil
}

// Release returns a reserved slot after the send outcome is recorded.
func (p *Planner) Release(accountPK string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.inflight[accountPK]; n > 1 {
		p.inflight[accountPK] = n - 1
	} else {
		delete(p.inflight, accountPK)
	}
}
