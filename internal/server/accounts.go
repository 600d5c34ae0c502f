package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/yansir/cc-rotator/internal/account"
)

// Flows expire one hour after creation.
const flowTTL = time.Hour

// handleListAccounts returns the pool's status entries. Tokens never leave
// the process.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Status())
}

// handleAuthorize starts a PKCE login flow for a named account and returns
// the browser URL. The flow is persisted so the exchange can happen after a
// restart.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
		return
	}

	verifier, challenge, err := account.GeneratePKCE()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "pkce generation failed")
		return
	}

	flow, err := s.store.CreateFlow(r.Context(), verifier, req.Name, challenge, s.oauth.RedirectURI(), flowTTL)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "failed to persist flow")
		return
	}

	slog.Info("authorization flow started", "account", req.Name)
	writeJSON(w, http.StatusOK, map[string]string{
		"state":     flow.State,
		"authUrl":   s.oauth.AuthorizeURL(flow.State, challenge),
		"expiresAt": flow.ExpiresAt.Format(time.RFC3339),
	})
}

// handleExchange consumes a flow: trades the authorization code for tokens
// and creates (or re-credentials) the account.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" || req.Code == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "state and code are required")
		return
	}

	flow, err := s.store.GetValidFlow(r.Context(), req.State)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "flow lookup failed")
		return
	}
	if flow == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "unknown or expired flow")
		return
	}

	tok, err := s.oauth.Exchange(r.Context(), req.Code, flow.State)
	if err != nil {
		slog.Warn("code exchange failed", "account", flow.AccountName, "error", err)
		writeAPIError(w, http.StatusBadGateway, "api_error", "code exchange failed")
		return
	}

	// Flow is single-use whether or not the account write succeeds.
	if _, err := s.store.DeleteFlow(r.Context(), req.State); err != nil {
		slog.Error("flow delete failed", "state", req.State, "error", err)
	}

	existing, err := s.store.GetAccount(r.Context(), flow.AccountName)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "account lookup failed")
		return
	}

	if existing != nil {
		if err := s.pool.ReplaceTokens(r.Context(), flow.AccountName, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "api_error", "token update failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": flow.AccountName, "result": "tokens_updated"})
		return
	}

	acct, err := s.store.CreateAccount(r.Context(), flow.AccountName,
		tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, "", "")
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "account create failed")
		return
	}
	s.pool.Add(acct)

	slog.Info("account authorized", "account", acct.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"name": acct.Name, "result": "created"})
}

// handlePending lists account names with an open authorization flow.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.PendingAccountNames(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "flow listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": names})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	deleted, err := s.pool.Remove(r.Context(), name)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", "account delete failed")
		return
	}
	if !deleted {
		writeAPIError(w, http.StatusNotFound, "not_found_error", "no such account")
		return
	}
	slog.Info("account removed", "account", name)
	w.WriteHeader(http.StatusNoContent)
}
