package report

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-relay/internal/config"
	"github.com/ignite/mail-relay/internal/store"
)

var eventCols = []string{"id", "message_pk", "m_id", "tenant_id", "account_id",
	"event_type", "event_ts", "description", "metadata"}

var tenantCols = []string{"id", "name", "active", "client_base_url", "client_sync_path",
	"client_auth_method", "client_auth_token", "client_auth_user", "client_auth_password",
	"suspended_batches"}

func intPtr(n int) *int { return &n }

func testReportConfig() config.ReportConfig {
	return config.ReportConfig{
		SyncIntervalSeconds: 300,
		BatchSize:           500,
		RetentionSeconds:    intPtr(0),
		HTTPTimeoutSeconds:  5,
	}
}

func newTestReporter(t *testing.T, cfg config.ReportConfig) (*Reporter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := New(store.New(db, nil), http.DefaultClient, cfg)
	r.now = func() int64 { return 1000 }
	return r, mock
}

func tenantRow(rows *sqlmock.Rows, id, baseURL, authMethod, token, user, password string) {
	rows.AddRow(id, id, true, baseURL, "", authMethod, token, user, password, `[]`)
}

func expectNoEvents(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT e.id, e.message_pk").
		WithArgs(500).
		WillReturnRows(sqlmock.NewRows(eventCols))
}

func expectTenants(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT id, name, active").WillReturnRows(rows)
}

func TestSyncPostsEventsAndAcks(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sent":  []string{"m1"},
			"error": []string{"m2"},
		})
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())

	events := sqlmock.NewRows(eventCols).
		AddRow(1, "pk1", "m1", "t1", "smtp-main", store.EventSent, 950, "", nil).
		AddRow(2, "pk2", "m2", "t1", "smtp-main", store.EventError, 960, "550 no such user", nil)
	mock.ExpectQuery("SELECT e.id, e.message_pk").WithArgs(500).WillReturnRows(events)

	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthBearer, "sekrit", "", "")
	expectTenants(mock, tenants)

	mock.ExpectExec("UPDATE message_events SET reported_ts").
		WithArgs(int64(1000), pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, r.Sync(context.Background()))

	assert.Equal(t, "Bearer sekrit", gotAuth)
	var posted struct {
		Reports []map[string]interface{} `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &posted))
	require.Len(t, posted.Reports, 2)
	assert.Equal(t, "m1", posted.Reports[0]["id"])
	assert.EqualValues(t, 950, posted.Reports[0]["sent_ts"])
	assert.Equal(t, "550 no such user", posted.Reports[1]["error"])

	assert.Equal(t, int64(1000), r.LastSync("t1"))
	assert.Equal(t, int64(1), r.Stats()["total_synced"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncBasicAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())
	expectNoEvents(mock)
	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthBasic, "", "u", "p")
	expectTenants(mock, tenants)

	require.NoError(t, r.Sync(context.Background()))
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("u:p"))
	assert.Equal(t, want, gotAuth)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncHonorsDND(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())
	r.lastSync["t1"] = 4600 // client-issued quiet window in the future

	expectNoEvents(mock)
	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	require.NoError(t, r.Sync(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncEventsOverrideDND(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())
	r.lastSync["t1"] = 4600

	events := sqlmock.NewRows(eventCols).
		AddRow(1, "pk1", "m1", "t1", "smtp-main", store.EventSent, 950, "", nil)
	mock.ExpectQuery("SELECT e.id, e.message_pk").WithArgs(500).WillReturnRows(events)

	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	require.NoError(t, r.Sync(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncSkipsRecentlySyncedIdleTenant(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())
	r.lastSync["t1"] = 990 // synced 10s ago, interval is 300s

	expectNoEvents(mock)
	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	require.NoError(t, r.Sync(context.Background()))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncHeartbeatsIdleTenantAfterInterval(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())
	r.lastSync["t1"] = 600 // 400s ago

	expectNoEvents(mock)
	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	require.NoError(t, r.Sync(context.Background()))
	assert.JSONEq(t, `{"reports":[]}`, string(gotBody))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncFailureKeepsEventsUnreported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())

	events := sqlmock.NewRows(eventCols).
		AddRow(1, "pk1", "m1", "t1", "smtp-main", store.EventSent, 950, "", nil)
	mock.ExpectQuery("SELECT e.id, e.message_pk").WithArgs(500).WillReturnRows(events)

	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	// No reported-stamp update may happen.
	require.NoError(t, r.Sync(context.Background()))
	assert.Equal(t, int64(1), r.Stats()["total_failed"])
	assert.Equal(t, int64(0), r.LastSync("t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncAppliesNextSyncAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"next_sync_after": 4600}`))
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())
	expectNoEvents(mock)
	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	require.NoError(t, r.Sync(context.Background()))
	assert.Equal(t, int64(4600), r.LastSync("t1"))
}

func TestRunNowFiltersToOneTenant(t *testing.T) {
	var t1Calls, t2Calls int32
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&t1Calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&t2Calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv2.Close()

	r, mock := newTestReporter(t, testReportConfig())
	r.lastSync["t1"] = 4600 // DND is cleared by RunNow
	r.lastSync["t2"] = 990

	expectNoEvents(mock)
	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv1.URL, store.AuthNone, "", "", "")
	tenantRow(tenants, "t2", srv2.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	r.RunNow("t1")
	require.NoError(t, r.Sync(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&t1Calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&t2Calls))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncRetentionSweep(t *testing.T) {
	cfg := testReportConfig()
	cfg.RetentionSeconds = intPtr(3600)
	r, mock := newTestReporter(t, cfg)

	expectNoEvents(mock)
	expectTenants(mock, sqlmock.NewRows(tenantCols))
	mock.ExpectExec("DELETE FROM messages").
		WithArgs(int64(1000 - 3600)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, r.Sync(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncRetentionZeroDisablesSweep(t *testing.T) {
	cfg := testReportConfig()
	cfg.RetentionSeconds = intPtr(0)
	r, mock := newTestReporter(t, cfg)

	// No DELETE expected: an explicit zero turns the sweep off.
	expectNoEvents(mock)
	expectTenants(mock, sqlmock.NewRows(tenantCols))

	require.NoError(t, r.Sync(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncQueuedBackpressureSchedulesRerun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sent":   []string{"m1"},
			"queued": 12,
		})
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())

	events := sqlmock.NewRows(eventCols).
		AddRow(1, "pk1", "m1", "t1", "smtp-main", store.EventSent, 950, "", nil)
	mock.ExpectQuery("SELECT e.id, e.message_pk").WithArgs(500).WillReturnRows(events)

	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	mock.ExpectExec("UPDATE message_events SET reported_ts").
		WithArgs(int64(1000), pq.Array([]int64{1})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.Sync(context.Background()))

	select {
	case <-r.wake:
	default:
		t.Fatal("queued backlog should schedule an immediate follow-up pass")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncNoBackpressureWaitsForInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r, mock := newTestReporter(t, testReportConfig())
	expectNoEvents(mock)
	tenants := sqlmock.NewRows(tenantCols)
	tenantRow(tenants, "t1", srv.URL, store.AuthNone, "", "", "")
	expectTenants(mock, tenants)

	require.NoError(t, r.Sync(context.Background()))

	select {
	case <-r.wake:
		t.Fatal("a quiet ack must not trigger a follow-up pass")
	default:
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectEvent(t *testing.T) {
	tests := []struct {
		name  string
		event store.Event
		want  map[string]interface{}
	}{
		{
			name: "sent",
			event: store.Event{MessageID: "m1", AccountID: "a1",
				Type: store.EventSent, TS: 100},
			want: map[string]interface{}{"id": "m1", "account_id": "a1", "sent_ts": int64(100)},
		},
		{
			name: "deferred with metadata timestamp",
			event: store.Event{MessageID: "m1", Type: store.EventDeferred, TS: 100,
				Description: "rate limit exceeded",
				Metadata:    json.RawMessage(`{"deferred_ts":160}`)},
			want: map[string]interface{}{"id": "m1", "deferred_ts": float64(160),
				"deferred_reason": "rate limit exceeded"},
		},
		{
			name: "bounce",
			event: store.Event{MessageID: "m1", Type: store.EventBounce, TS: 100,
				Description: "user unknown",
				Metadata:    json.RawMessage(`{"bounce_type":"hard","bounce_code":"5.1.1"}`)},
			want: map[string]interface{}{"id": "m1", "bounce_ts": int64(100),
				"bounce_type": "hard", "bounce_code": "5.1.1", "bounce_reason": "user unknown"},
		},
		{
			name: "pec delivery",
			event: store.Event{MessageID: "m1", Type: store.EventPECDelivery, TS: 100,
				Description: "accepted by provider"},
			want: map[string]interface{}{"id": "m1", "pec_event": "pec_delivery",
				"pec_ts": int64(100), "pec_details": "accepted by provider"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, projectEvent(tt.event))
		})
	}
}
