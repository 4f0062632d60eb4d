package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mail-relay/internal/pkg/logger"
	"github.com/ignite/mail-relay/internal/store"
)

// handleHealth pings the database; the relay is unhealthy without it.
//
//	GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleStatus returns the supervisor snapshot.
//
//	GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sup.Status())
}

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context(), false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tenants": tenants})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var t store.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if t.ID == "" {
		respondError(w, http.StatusBadRequest, "tenant id is required")
		return
	}
	if err := s.store.CreateTenant(r.Context(), t); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("tenant created", "tenant_id", t.ID)
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	var t store.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	t.ID = chi.URLParam(r, "tenantID")
	err := s.store.UpdateTenant(r.Context(), t)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		// Deletion is refused while accounts exist.
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Never echo credentials back.
	for i := range accounts {
		accounts[i].Password = ""
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	var a store.Account
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	a.TenantID = chi.URLParam(r, "tenantID")
	if a.ID == "" || a.Host == "" || a.Port == 0 {
		respondError(w, http.StatusBadRequest, "account id, host and port are required")
		return
	}
	pk, err := s.store.UpsertAccount(r.Context(), a)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("account upserted", "tenant_id", a.TenantID, "account_id", a.ID)
	respondJSON(w, http.StatusOK, map[string]string{"pk": pk})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteAccount(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// messageSubmission is one message in a submit request: routing fields
// plus the mail envelope inline.
type messageSubmission struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	Priority  interface{} `json:"priority"`
	BatchCode string      `json:"batch_code"`
	store.Payload
}

type insertRequest struct {
	TenantID string              `json:"tenant_id"`
	Messages []messageSubmission `json:"messages"`
}

// handleInsertMessages queues a batch of messages. Resubmitted ids whose
// prior delivery already completed come back as "already_sent" instead
// of being delivered twice.
//
//	POST /api/messages
func (s *Server) handleInsertMessages(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages is empty")
		return
	}

	now := time.Now().Unix()
	msgs := make([]store.Message, 0, len(req.Messages))
	accountSeen := make(map[string]bool)
	for i, m := range req.Messages {
		if err := validateSubmission(m); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("message %d: %v", i, err))
			return
		}
		if !accountSeen[m.AccountID] {
			_, err := s.store.GetAccount(r.Context(), req.TenantID, m.AccountID)
			if errors.Is(err, store.ErrNotFound) {
				respondError(w, http.StatusBadRequest,
					fmt.Sprintf("message %d: unknown account %q", i, m.AccountID))
				return
			}
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			accountSeen[m.AccountID] = true
		}

		payload, err := json.Marshal(m.Payload)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("message %d: %v", i, err))
			return
		}
		msgs = append(msgs, store.Message{
			TenantID:  req.TenantID,
			AccountID: m.AccountID,
			ID:        m.ID,
			Priority:  store.NormalizePriority(m.Priority),
			BatchCode: m.BatchCode,
			Payload:   payload,
			CreatedAt: now,
		})
	}

	inserted, err := s.store.InsertMessages(r.Context(), msgs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queued := make(map[string]string, len(inserted))
	for _, res := range inserted {
		queued[res.ID] = res.PK
	}
	results := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if pk, ok := queued[m.ID]; ok {
			results = append(results, map[string]string{"id": m.ID, "status": "queued", "pk": pk})
		} else {
			results = append(results, map[string]string{"id": m.ID, "status": "already_sent"})
		}
	}

	if len(inserted) > 0 {
		s.sup.WakeDispatch()
	}
	logger.Info("messages queued",
		"tenant_id", req.TenantID,
		"submitted", len(req.Messages),
		"queued", len(inserted))
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func validateSubmission(m messageSubmission) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("id is required")
	case m.AccountID == "":
		return fmt.Errorf("account_id is required")
	case m.From == "":
		return fmt.Errorf("from is required")
	case len(m.To) == 0:
		return fmt.Errorf("to is required")
	case m.Subject == "":
		return fmt.Errorf("subject is required")
	}
	return nil
}

// handleAddEvent appends an externally observed event (bounce, PEC
// receipt) to a message's history.
//
//	POST /api/messages/{tenantID}/{messageID}/events
func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        string                 `json:"type"`
		TS          int64                  `json:"ts"`
		Description string                 `json:"description"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if !validEventType(req.Type) {
		respondError(w, http.StatusBadRequest, "unknown event type "+req.Type)
		return
	}
	if req.TS == 0 {
		req.TS = time.Now().Unix()
	}

	pk, err := s.store.GetMessagePK(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "messageID"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.AddEvent(r.Context(), pk, req.Type, req.TS, req.Description, req.Metadata); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func validEventType(t string) bool {
	switch t {
	case store.EventSent, store.EventError, store.EventDeferred, store.EventBounce:
		return true
	}
	return strings.HasPrefix(t, "pec_")
}

// ---------------------------------------------------------------------------
// Commands and sync status
// ---------------------------------------------------------------------------

type commandRequest struct {
	TenantID  string `json:"tenant_id"`
	BatchCode string `json:"batch_code"`
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
	}
	s.sup.RunNow(r.Context(), req.TenantID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	codes, err := s.sup.Suspend(r.Context(), req.TenantID, req.BatchCode)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"suspended_batches": codes})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	codes, err := s.sup.Activate(r.Context(), req.TenantID, req.BatchCode)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"suspended_batches": codes})
}

// handleSyncStatus lists every active tenant with its reporting state.
//
//	GET /api/tenants/sync-status
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context(), true)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]interface{}, 0, len(tenants))
	for _, t := range tenants {
		unreported, err := s.store.CountUnreported(r.Context(), t.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		pending, err := s.store.PendingCount(r.Context(), t.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, map[string]interface{}{
			"tenant_id":         t.ID,
			"last_sync":         s.reporter.LastSync(t.ID),
			"unreported_events": unreported,
			"pending_messages":  pending,
			"suspended_batches": t.SuspendedBatches,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tenants": out})
}
