package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/voxswitch/voxswitch/internal/account"
	"github.com/voxswitch/voxswitch/pkg/rtevent"
)

// Handshake query parameters. Clients pass identity and credentials in the
// URL because the WebSocket upgrade request cannot carry a body.
const (
	paramAccountID = "rs_accid"
	paramSessionID = "rs_u_sessid"
	paramAuth      = "rs_auth"
	paramStyle     = "rs_api"
	paramProvider  = "rs_core"
	paramLink      = "rs_link"
)

// handshake is the validated result of parsing a client upgrade request.
type handshake struct {
	AccountID string
	SessionID string

	// Style is the dialect the client speaks. Provider is the upstream the
	// session starts on; it defaults to the style.
	Style    rtevent.Vendor
	Provider rtevent.Vendor
}

// handshakeError carries the HTTP status to reject the upgrade with.
type handshakeError struct {
	status int
	msg    string
}

func (e *handshakeError) Error() string { return e.msg }

func rejectWith(status int, msg string) *handshakeError {
	return &handshakeError{status: status, msg: msg}
}

// parseHandshake validates the upgrade request. Missing identity parameters
// yield 400; failed authentication yields 403. A magic-link token replaces
// the account/session/auth triple entirely.
func (s *Server) parseHandshake(r *http.Request) (*handshake, *handshakeError) {
	q := r.URL.Query()

	h := &handshake{}
	if token := q.Get(paramLink); token != "" {
		link, err := s.accounts.RedeemLink(r.Context(), token)
		if err != nil {
			if errors.Is(err, account.ErrLinkInvalid) {
				return nil, rejectWith(http.StatusForbidden, "magic link invalid")
			}
			s.log.Error("redeeming magic link", "error", err)
			return nil, rejectWith(http.StatusInternalServerError, "link lookup failed")
		}
		h.AccountID = link.AccountID
		h.SessionID = link.SessionID
	} else {
		h.AccountID = q.Get(paramAccountID)
		h.SessionID = q.Get(paramSessionID)
		auth := q.Get(paramAuth)
		if h.AccountID == "" || h.SessionID == "" || auth == "" {
			return nil, rejectWith(http.StatusBadRequest,
				"rs_accid, rs_u_sessid and rs_auth are required")
		}

		key, err := s.accounts.Key(r.Context(), h.AccountID)
		if err != nil {
			if errors.Is(err, account.ErrUnknownAccount) {
				return nil, rejectWith(http.StatusForbidden, "authentication failed")
			}
			s.log.Error("looking up account key", "account_id", h.AccountID, "error", err)
			return nil, rejectWith(http.StatusInternalServerError, "account lookup failed")
		}
		if !verifyAuth(key, h.SessionID, auth) {
			return nil, rejectWith(http.StatusForbidden, "authentication failed")
		}
	}

	h.Style = rtevent.VendorOpenAI
	if raw := q.Get(paramStyle); raw != "" {
		style, err := rtevent.ParseVendor(raw)
		if err != nil {
			return nil, rejectWith(http.StatusBadRequest, "unknown rs_api value")
		}
		h.Style = style
	}

	h.Provider = h.Style
	if raw := q.Get(paramProvider); raw != "" {
		provider, err := rtevent.ParseVendor(raw)
		if err != nil {
			return nil, rejectWith(http.StatusBadRequest, "unknown rs_core value")
		}
		h.Provider = provider
	}

	return h, nil
}

// verifyAuth checks the client's credential against
// HMAC-SHA256(key, sessionID), hex-encoded lowercase. The comparison is
// constant-time in the digest contents.
func verifyAuth(key, sessionID, authHex string) bool {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(sessionID))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(strings.ToLower(authHex))
	if err != nil {
		return false
	}
	return hmac.Equal(got, expected)
}

// AuthToken computes the rs_auth value for a session credentialed with key.
// Exposed so the magic-link API can hand out ready-to-use connection URLs.
func AuthToken(key, sessionID string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}
