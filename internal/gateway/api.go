package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/voxswitch/voxswitch/internal/account"
)

// issueLinkRequest is the body of POST /v1/links.
type issueLinkRequest struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
}

// issueLinkResponse returns the single-use token plus a ready-to-use
// connection query string.
type issueLinkResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Connect   string    `json:"connect"`
}

// handleIssueLink mints a magic link for an existing account. The caller
// must present the account's HMAC credential for the target session, so
// only a holder of the account key can mint links.
func (s *Server) handleIssueLink(w http.ResponseWriter, r *http.Request) {
	var req issueLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.SessionID == "" {
		http.Error(w, "account_id and session_id are required", http.StatusBadRequest)
		return
	}

	key, err := s.accounts.Key(r.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrUnknownAccount) {
			http.Error(w, "authentication failed", http.StatusForbidden)
			return
		}
		s.log.Error("looking up account for link issue", "error", err)
		http.Error(w, "account lookup failed", http.StatusInternalServerError)
		return
	}
	if !verifyAuth(key, req.SessionID, r.Header.Get("X-VoxSwitch-Auth")) {
		s.metrics.RecordAuthFailure(r.Context(), "link_issue")
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}

	link, err := s.accounts.IssueLink(r.Context(), req.AccountID, req.SessionID)
	if err != nil {
		s.log.Error("issuing magic link", "error", err)
		http.Error(w, "link issuance failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, issueLinkResponse{
		Token:     link.Token,
		ExpiresAt: link.ExpiresAt,
		Connect:   "/ws?" + url.Values{paramLink: {link.Token}}.Encode(),
	})
}

// usageResponse is the body of GET /v1/usage.
type usageResponse struct {
	AccountID   string `json:"account_id"`
	TotalTokens int64  `json:"total_tokens"`
}

// handleUsage aggregates an account's token usage. Query parameters:
// account (required), from and to as RFC 3339 timestamps (optional). The
// caller authenticates with HMAC-SHA256(key, accountID) in
// X-VoxSwitch-Auth.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		http.Error(w, "account is required", http.StatusBadRequest)
		return
	}

	key, err := s.accounts.Key(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, account.ErrUnknownAccount) {
			http.Error(w, "authentication failed", http.StatusForbidden)
			return
		}
		s.log.Error("looking up account for usage query", "error", err)
		http.Error(w, "account lookup failed", http.StatusInternalServerError)
		return
	}
	if !verifyAuth(key, accountID, r.Header.Get("X-VoxSwitch-Auth")) {
		s.metrics.RecordAuthFailure(r.Context(), "usage")
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		http.Error(w, "from must be RFC 3339", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		http.Error(w, "to must be RFC 3339", http.StatusBadRequest)
		return
	}

	totals, err := s.accounts.Usage(r.Context(), accountID, from, to)
	if err != nil {
		s.log.Error("aggregating usage", "account_id", accountID, "error", err)
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}

	resp := usageResponse{AccountID: accountID}
	if totals != nil {
		resp.TotalTokens = totals.TotalTokens
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkpointRequest is the body of POST /v1/sessions/{id}/checkpoint.
type checkpointRequest struct {
	Reason string `json:"reason"`
}

// handleCheckpoint writes a checkpoint marker into a live session's
// conversation log. The caller authenticates with the session's rs_auth
// value in X-VoxSwitch-Auth.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	as := s.lookup(sessionID)
	if as == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	key, err := s.accounts.Key(r.Context(), as.accountID)
	if err != nil {
		s.log.Error("looking up account for checkpoint", "error", err)
		http.Error(w, "account lookup failed", http.StatusInternalServerError)
		return
	}
	if !verifyAuth(key, sessionID, r.Header.Get("X-VoxSwitch-Auth")) {
		s.metrics.RecordAuthFailure(r.Context(), "checkpoint")
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}

	var req checkpointRequest
	if r.Body != nil {
		// Body is optional; a missing reason falls back to the default.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	as.pipe.CreateCheckpoint(req.Reason)
	w.WriteHeader(http.StatusAccepted)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
