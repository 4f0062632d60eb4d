// Package supervisor owns the relay's background tasks (dispatch,
// report, pool cleanup) and exposes the admin control surface over
// them: suspend, activate, run-now, status and graceful shutdown.
package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mail-relay/internal/dispatch"
	"github.com/ignite/mail-relay/internal/pkg/distlock"
	"github.com/ignite/mail-relay/internal/pkg/logger"
	"github.com/ignite/mail-relay/internal/report"
	"github.com/ignite/mail-relay/internal/smtppool"
	"github.com/ignite/mail-relay/internal/store"
)

// Supervisor ties the dispatcher and reporter together and records
// every admin mutation in the command audit log.
type Supervisor struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	reporter   *report.Reporter
	pool       *smtppool.Pool

	// lock is the optional dispatch leadership lock; nil means this
	// instance always runs its loops.
	lock            distlock.DistLock
	cleanupInterval time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	leader    bool
	startedAt time.Time

	now func() int64
}

// New creates a Supervisor over the already-constructed components.
func New(st *store.Store, d *dispatch.Dispatcher, r *report.Reporter, pool *smtppool.Pool, lock distlock.DistLock, cleanupInterval time.Duration) *Supervisor {
	return &Supervisor{
		store:           st,
		dispatcher:      d,
		reporter:        r,
		pool:            pool,
		lock:            lock,
		cleanupInterval: cleanupInterval,
		now:             func() int64 { return time.Now().Unix() },
	}
}

// Start acquires leadership (when a lock is configured) and launches
// the background loops. A non-leader instance stays idle but keeps its
// admin surface; it does not dispatch or report.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	leader := true
	if s.lock != nil {
		got, err := s.lock.Acquire(s.ctx)
		if err != nil {
			logger.Warn("leadership lock unavailable, running standalone", "error", err)
		} else {
			leader = got
		}
	}

	s.mu.Lock()
	s.leader = leader
	s.mu.Unlock()

	if !leader {
		logger.Info("another instance holds dispatch leadership, standing by")
		return nil
	}

	if s.lock != nil {
		if rl, ok := s.lock.(*distlock.RedisLock); ok {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				rl.KeepAlive(s.ctx, 10*time.Second)
			}()
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pool.Run(s.ctx, s.cleanupInterval)
	}()

	s.dispatcher.Start()
	s.reporter.Start()
	logger.Info("supervisor started", "leader", leader)
	return nil
}

// Stop shuts everything down in order: stop producing work, drain
// in-flight sends, close SMTP connections, release leadership.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	leader := s.leader
	s.mu.Unlock()

	if leader {
		s.dispatcher.Stop()
		s.reporter.Stop()
	}
	s.cancel()
	s.wg.Wait()
	s.pool.CloseAll()

	if s.lock != nil && leader {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lock.Release(ctx); err != nil {
			logger.Warn("leadership lock release failed", "error", err)
		}
	}
	logger.Info("supervisor stopped")
}

// Suspend pauses dispatch for a tenant's batch code; an empty code
// suspends the whole tenant. Returns the updated suspension set.
func (s *Supervisor) Suspend(ctx context.Context, tenantID, batchCode string) ([]string, error) {
	codes, err := s.store.SuspendBatch(ctx, tenantID, batchCode)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "suspend", tenantID, map[string]string{"batch_code": batchCode})
	return codes, nil
}

// Activate resumes dispatch for a tenant's batch code; an empty code
// clears every suspension. Returns the remaining suspension set.
func (s *Supervisor) Activate(ctx context.Context, tenantID, batchCode string) ([]string, error) {
	codes, err := s.store.ActivateBatch(ctx, tenantID, batchCode)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "activate", tenantID, map[string]string{"batch_code": batchCode})
	s.dispatcher.Wake()
	return codes, nil
}

// WakeDispatch nudges the dispatch loop, used after message inserts so
// new work does not wait for the next tick.
func (s *Supervisor) WakeDispatch() {
	s.dispatcher.Wake()
}

// RunNow wakes both loops immediately. A tenant id restricts the next
// report pass to that tenant and clears its quiet window.
func (s *Supervisor) RunNow(ctx context.Context, tenantID string) {
	s.dispatcher.Wake()
	s.reporter.RunNow(tenantID)
	s.audit(ctx, "run_now", tenantID, nil)
}

// Status is a point-in-time snapshot for the admin API.
type Status struct {
	Leader        bool             `json:"leader"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Dispatch      map[string]int64 `json:"dispatch"`
	Report        map[string]int64 `json:"report"`
	PoolSize      int              `json:"pool_size"`
}

// Status reports the current state of the background loops.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	leader := s.leader
	started := s.startedAt
	s.mu.Unlock()

	return Status{
		Leader:        leader,
		UptimeSeconds: int64(time.Since(started).Seconds()),
		Dispatch:      s.dispatcher.Stats(),
		Report:        s.reporter.Stats(),
		PoolSize:      s.pool.Size(),
	}
}

// audit writes the command log row. Audit failures are logged, never
// propagated; the command itself already succeeded.
func (s *Supervisor) audit(ctx context.Context, command, tenantID string, payload map[string]string) {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	if err := s.store.LogCommand(ctx, uuid.New().String(), s.now(), command, tenantID, data); err != nil {
		logger.Warn("command audit failed", "command", command, "error", err)
	}
}
