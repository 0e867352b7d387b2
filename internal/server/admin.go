package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"kirobridge/internal/account"
	"kirobridge/internal/pool"
	"kirobridge/internal/store"
)

// accountView omits secret fields from admin responses.
type accountView struct {
	ID            string               `json:"id"`
	AuthMethod    account.AuthMethod   `json:"auth_method"`
	State         account.State        `json:"state"`
	Region        string               `json:"region"`
	ProfileARN    string               `json:"profile_arn,omitempty"`
	DisplayName   string               `json:"display_name,omitempty"`
	Email         string               `json:"email,omitempty"`
	ErrorCount    int64                `json:"error_count"`
	UsageCount    int64                `json:"usage_count"`
	LastUsedAt    *time.Time           `json:"last_used_at,omitempty"`
	CooldownUntil *time.Time           `json:"cooldown_until,omitempty"`
	Quota         *account.QuotaSnapshot `json:"quota_snapshot,omitempty"`
}

func toView(a *account.Account) accountView {
	d := a.Snapshot()
	v := accountView{
		ID:          d.ID,
		AuthMethod:  d.AuthMethod,
		State:       d.State,
		Region:      d.Region,
		ProfileARN:  d.ProfileARN,
		DisplayName: d.DisplayName,
		Email:       d.Email,
		ErrorCount:  d.ErrorCount,
		UsageCount:  d.UsageCount,
		Quota:       d.QuotaSnapshot,
	}
	if !d.LastUsedAt.IsZero() {
		v.LastUsedAt = &d.LastUsedAt
	}
	if d.State == account.StateCooldown && !d.CooldownUntil.IsZero() {
		v.CooldownUntil = &d.CooldownUntil
	}
	return v
}

// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.List()
	counts := map[account.State]int{}
	for _, a := range accounts {
		counts[a.State()]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"strategy":       s.pool.Strategy(),
		"account_count":  len(accounts),
		"by_state":       counts,
	})
}

// GET /api/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.pool.List()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views})
}

// POST /api/accounts
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var d account.Data
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	a, err := s.pool.Add(d)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(a))
}

// POST /api/accounts/import
func (s *Server) handleImportAccounts(w http.ResponseWriter, r *http.Request) {
	var records []account.Data
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	added, failed := s.pool.Import(records)
	views := make([]accountView, 0, len(added))
	for _, a := range added {
		views = append(views, toView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": views, "failed": failed})
}

// DELETE /api/accounts/{id}
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.pool.Delete(id) {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// POST /api/accounts/{id}/enable
func (s *Server) handleEnableAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.pool.Enable(id) {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(account.StateActive)})
}

// POST /api/accounts/{id}/disable
func (s *Server) handleDisableAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.pool.Disable(id) {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(account.StateDisabled)})
}

// GET /api/accounts/{id}/usage
func (s *Server) handleAccountUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, ok := s.pool.Get(id)
	if !ok {
		writeAdminError(w, http.StatusNotFound, "not_found", "account not found")
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot().QuotaSnapshot)
}

// POST /api/accounts/{id}/usage/refresh
func (s *Server) handleRefreshAccountUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.pool.RefreshQuota(r.Context(), id)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, "quota_fetch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// POST /api/usage/refresh — refresh quota for every account.
func (s *Server) handleRefreshAllUsage(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string)
	for _, a := range s.pool.List() {
		if _, err := s.pool.RefreshQuota(r.Context(), a.ID()); err != nil {
			results[a.ID()] = err.Error()
		} else {
			results[a.ID()] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// GET /api/strategy
func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"strategy": string(s.pool.Strategy())})
}

type setStrategyRequest struct {
	Strategy string `json:"strategy"`
}

// POST /api/strategy
func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req setStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := s.pool.SetStrategy(pool.StrategyKind(req.Strategy)); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": req.Strategy})
}

// GET /api/logs
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := store.RequestLogQuery{
		AccountID: r.URL.Query().Get("account_id"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}
	logs, total, err := s.store.QueryRequestLogs(r.Context(), q)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": logs, "total": total})
}

// GET /api/logs/stats
func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	periods, err := s.store.QueryUsagePeriods(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query usage periods")
		return
	}
	models, err := s.store.QueryModelUsage(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "failed to query model usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": periods, "models": models})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
