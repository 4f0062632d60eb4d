package supervisor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-relay/internal/attach"
	"github.com/ignite/mail-relay/internal/config"
	"github.com/ignite/mail-relay/internal/dispatch"
	"github.com/ignite/mail-relay/internal/ratelimit"
	"github.com/ignite/mail-relay/internal/report"
	"github.com/ignite/mail-relay/internal/smtppool"
	"github.com/ignite/mail-relay/internal/store"
)

type noopSender struct{}

func (noopSender) Send(ctx context.Context, acct store.Account, from string, rcpts []string, data []byte) error {
	return nil
}
func (noopSender) Open() int { return 0 }

func newTestSupervisor(t *testing.T) (*Supervisor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, nil)
	d := dispatch.New(st, noopSender{}, attach.New(nil, nil, ""), ratelimit.New(st),
		config.DispatchConfig{TickSeconds: 5, BatchSize: 100, MaxConcurrencyPerAcct: 4, MaxRetries: 5})
	r := report.New(st, http.DefaultClient,
		config.ReportConfig{SyncIntervalSeconds: 300, BatchSize: 500, HTTPTimeoutSeconds: 5})
	pool := smtppool.New(1, time.Minute, time.Second, time.Second)

	s := New(st, d, r, pool, nil, time.Minute)
	s.now = func() int64 { return 1000 }
	return s, mock
}

func expectSuspendedMutation(mock sqlmock.Sqlmock, before, after string) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT suspended_batches FROM tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"suspended_batches"}).AddRow(before))
	mock.ExpectExec("UPDATE tenants SET suspended_batches").
		WithArgs("t1", after).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func expectAudit(mock sqlmock.Sqlmock, command string) {
	mock.ExpectExec("INSERT INTO command_log").
		WithArgs(sqlmock.AnyArg(), int64(1000), command, "t1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestSuspendRecordsAudit(t *testing.T) {
	s, mock := newTestSupervisor(t)

	expectSuspendedMutation(mock, `[]`, `["night-batch"]`)
	expectAudit(mock, "suspend")

	codes, err := s.Suspend(context.Background(), "t1", "night-batch")
	require.NoError(t, err)
	assert.Equal(t, []string{"night-batch"}, codes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSuspendEmptyCodeUsesWildcard(t *testing.T) {
	s, mock := newTestSupervisor(t)

	expectSuspendedMutation(mock, `[]`, `["*"]`)
	expectAudit(mock, "suspend")

	codes, err := s.Suspend(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{store.SuspendAll}, codes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateClearsSuspensions(t *testing.T) {
	s, mock := newTestSupervisor(t)

	expectSuspendedMutation(mock, `["*","night-batch"]`, `[]`)
	expectAudit(mock, "activate")

	codes, err := s.Activate(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.Empty(t, codes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunNowAudited(t *testing.T) {
	s, mock := newTestSupervisor(t)

	mock.ExpectExec("INSERT INTO command_log").
		WithArgs(sqlmock.AnyArg(), int64(1000), "run_now", "t1", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s.RunNow(context.Background(), "t1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusSnapshot(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.startedAt = time.Now().Add(-time.Minute)

	st := s.Status()
	assert.GreaterOrEqual(t, st.UptimeSeconds, int64(59))
	assert.Equal(t, int64(0), st.Dispatch["total_sent"])
	assert.Equal(t, int64(0), st.Report["total_synced"])
	assert.Equal(t, 0, st.PoolSize)
}
