package devremote

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/spacestage/internal/remote"
	"pkt.systems/pslog"
)

type ServerConfig struct {
	// Token, when set, must be presented as a bearer token.
	Token string
	// HTMLNotFound answers missing tabs and orders with an HTML page and
	// status 200, the way a static host fronting the store does.
	HTMLNotFound bool
	MaxBodyBytes int64
	Logger       pslog.Logger
}

type Server struct {
	store *Store
	cfg   ServerConfig
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{store: store, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID != "" {
		w.Header().Set("X-Correlation-Id", correlationID)
	}
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if s.cfg.Token != "" {
		presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
			return
		}
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug("dev remote request", "method", r.Method, "path", r.URL.Path, "correlation_id", correlationID)
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	for i, part := range parts {
		if unescaped, err := url.PathUnescape(part); err == nil {
			parts[i] = unescaped
		}
	}
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "spaces" && r.Method == http.MethodPost:
		s.handleRegisterSpace(w, r, correlationID)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "navigation" && r.Method == http.MethodPut:
		s.handlePutNavigation(w, r, correlationID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "navigation" && r.Method == http.MethodGet:
		s.handleGetNavigation(w, parts[2], correlationID)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "spaces" && parts[3] == "order":
		switch r.Method {
		case http.MethodGet:
			s.handleGetOrder(w, parts[2], correlationID)
		case http.MethodPut:
			s.handlePutOrder(w, r, parts[2], correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "spaces" && parts[3] == "tabs":
		switch r.Method {
		case http.MethodGet:
			s.handleGetTab(w, parts[2], parts[4], correlationID)
		case http.MethodPut:
			s.handlePutTab(w, r, parts[2], parts[4], correlationID)
		case http.MethodDelete:
			s.handleDeleteTab(w, r, parts[2], parts[4], correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleGetTab(w http.ResponseWriter, spaceID, key, correlationID string) {
	env, err := s.store.GetTab(spaceID, key)
	if err != nil {
		s.writeStoreError(w, err, correlationID, true)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePutTab(w http.ResponseWriter, r *http.Request, spaceID, key, correlationID string) {
	var env remote.SignedEnvelope
	if !s.decodeJSONBody(w, r, correlationID, &env) {
		return
	}
	if err := s.store.PutTab(spaceID, key, env); err != nil {
		s.writeStoreError(w, err, correlationID, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTab(w http.ResponseWriter, r *http.Request, spaceID, key, correlationID string) {
	var env remote.SignedEnvelope
	if !s.decodeJSONBody(w, r, correlationID, &env) {
		return
	}
	if err := s.store.DeleteTab(spaceID, key, env); err != nil {
		s.writeStoreError(w, err, correlationID, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, spaceID, correlationID string) {
	env, err := s.store.GetOrder(spaceID)
	if err != nil {
		s.writeStoreError(w, err, correlationID, true)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePutOrder(w http.ResponseWriter, r *http.Request, spaceID, correlationID string) {
	var env remote.SignedEnvelope
	if !s.decodeJSONBody(w, r, correlationID, &env) {
		return
	}
	if err := s.store.PutOrder(spaceID, env); err != nil {
		s.writeStoreError(w, err, correlationID, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterSpace(w http.ResponseWriter, r *http.Request, correlationID string) {
	var env remote.SignedEnvelope
	if !s.decodeJSONBody(w, r, correlationID, &env) {
		return
	}
	reg, err := s.store.RegisterSpace(env)
	if err != nil {
		s.writeStoreError(w, err, correlationID, false)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handlePutNavigation(w http.ResponseWriter, r *http.Request, correlationID string) {
	var env remote.SignedEnvelope
	if !s.decodeJSONBody(w, r, correlationID, &env) {
		return
	}
	if err := s.store.PutNavigationConfig(env); err != nil {
		s.writeStoreError(w, err, correlationID, false)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetNavigation(w http.ResponseWriter, communityID, correlationID string) {
	cfg, err := s.store.NavigationConfig(communityID)
	if err != nil {
		s.writeStoreError(w, err, correlationID, false)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cfg)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string, read bool) {
	if read && s.cfg.HTMLNotFound && errors.Is(err, ErrNotFound) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, notFoundPage)
		return
	}
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && s.cfg.Logger != nil {
		s.cfg.Logger.Error("dev remote failure", "err", err, "correlation_id", correlationID)
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

const notFoundPage = `<!DOCTYPE html>
<html><head><title>404</title></head><body><h1>Not Found</h1></body></html>
`

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
