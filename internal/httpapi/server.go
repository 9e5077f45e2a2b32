package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/spacestage/internal/navstage"
	"github.com/agentworkforce/spacestage/internal/remote"
	"github.com/agentworkforce/spacestage/internal/tabstage"
	"github.com/oklog/ulid/v2"
	"pkt.systems/pslog"
)

const defaultAudience = "spacestage"

type ServerConfig struct {
	JWTSecret string
	Audience  string
	// CommunityID is used for navigation commits that do not name one.
	CommunityID    string
	MaxBodyBytes   int64
	EventBuffer    int
	EventWriteWait time.Duration
	// OnChange runs after every staged mutation, typically to schedule a
	// draft save.
	OnChange func()
	Logger   pslog.Logger
}

// Server exposes the tab and navigation staging stores to a local UI
// process.
type Server struct {
	tabs   *tabstage.Service
	nav    *navstage.Service
	cfg    ServerConfig
	events *eventHub
	log    pslog.Logger
}

func NewServer(tabs *tabstage.Service, nav *navstage.Service) *Server {
	return NewServerWithConfig(tabs, nav, ServerConfig{})
}

func NewServerWithConfig(tabs *tabstage.Service, nav *navstage.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.EventWriteWait <= 0 {
		cfg.EventWriteWait = 5 * time.Second
	}
	s := &Server{
		tabs:   tabs,
		nav:    nav,
		cfg:    cfg,
		events: newEventHub(cfg.EventBuffer),
		log:    cfg.Logger,
	}
	if tabs != nil {
		tabs.Subscribe(func(change tabstage.Change) {
			s.publish(Event{Kind: change.Kind, SpaceID: change.SpaceID, Tab: change.Tab})
		})
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	for i, part := range parts {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid path escape", getCorrelationID(r))
			return
		}
		parts[i] = decoded
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "events"
	case len(parts) == 2 && parts[1] == "spaces" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "spaces"
	case len(parts) == 3 && parts[1] == "spaces" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "space"
	case len(parts) == 4 && parts[1] == "spaces" && parts[3] == "tabs" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "create_tab"
	case len(parts) == 5 && parts[1] == "spaces" && parts[3] == "tabs" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "tab"
	case len(parts) == 5 && parts[1] == "spaces" && parts[3] == "tabs" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "save_tab"
	case len(parts) == 5 && parts[1] == "spaces" && parts[3] == "tabs" && r.Method == http.MethodPatch:
		requiredScope = scopeWrite
		route = "rename_tab"
	case len(parts) == 5 && parts[1] == "spaces" && parts[3] == "tabs" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "delete_tab"
	case len(parts) == 6 && parts[1] == "spaces" && parts[3] == "tabs" && parts[5] == "load" && r.Method == http.MethodPost:
		requiredScope = scopeRead
		route = "load_tab"
	case len(parts) == 6 && parts[1] == "spaces" && parts[3] == "tabs" && parts[5] == "commit" && r.Method == http.MethodPost:
		requiredScope = scopeCommit
		route = "commit_tab"
	case len(parts) == 4 && parts[1] == "spaces" && parts[3] == "order" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "order"
	case len(parts) == 5 && parts[1] == "spaces" && parts[3] == "order" && parts[4] == "load" && r.Method == http.MethodPost:
		requiredScope = scopeRead
		route = "load_order"
	case len(parts) == 4 && parts[1] == "spaces" && parts[3] == "commit" && r.Method == http.MethodPost:
		requiredScope = scopeCommit
		route = "commit_space"
	case len(parts) == 4 && parts[1] == "spaces" && parts[3] == "reset" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "reset_space"
	case len(parts) == 4 && parts[1] == "spaces" && parts[3] == "meta" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "space_meta"
	case len(parts) == 2 && parts[1] == "navigation" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "navigation"
	case len(parts) == 3 && parts[1] == "navigation" && parts[2] == "items" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "create_item"
	case len(parts) == 4 && parts[1] == "navigation" && parts[2] == "items" && r.Method == http.MethodPatch:
		requiredScope = scopeWrite
		route = "rename_item"
	case len(parts) == 4 && parts[1] == "navigation" && parts[2] == "items" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "delete_item"
	case len(parts) == 3 && parts[1] == "navigation" && parts[2] == "order" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "navigation_order"
	case len(parts) == 3 && parts[1] == "navigation" && parts[2] == "commit" && r.Method == http.MethodPost:
		requiredScope = scopeCommit
		route = "navigation_commit"
	case len(parts) == 3 && parts[1] == "navigation" && parts[2] == "reset" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "navigation_reset"
	case len(parts) == 3 && parts[1] == "navigation" && parts[2] == "load" && r.Method == http.MethodPost:
		requiredScope = scopeRead
		route = "navigation_load"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if route == "events" && authHeader == "" {
		// Browsers cannot set headers on websocket upgrades.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, s.cfg.Audience, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = strings.ToLower(ulid.Make().String())
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.log != nil {
		s.log.Debug("api request", "route", route, "sub", claims.Subject, "correlation_id", correlationID)
	}

	switch route {
	case "events":
		s.handleEvents(w, r)
	case "spaces":
		s.handleSpaces(w)
	case "space":
		s.handleSpace(w, parts[2], correlationID)
	case "create_tab":
		s.handleCreateTab(w, r, parts[2], correlationID)
	case "tab":
		s.handleTab(w, parts[2], parts[4], correlationID)
	case "save_tab":
		s.handleSaveTab(w, r, parts[2], parts[4], correlationID)
	case "rename_tab":
		s.handleRenameTab(w, r, parts[2], parts[4], correlationID)
	case "delete_tab":
		s.handleDeleteTab(w, parts[2], parts[4])
	case "load_tab":
		s.handleLoadTab(w, r, parts[2], parts[4], correlationID)
	case "commit_tab":
		s.handleCommitTab(w, r, parts[2], parts[4], correlationID)
	case "order":
		s.handleOrder(w, r, parts[2], correlationID)
	case "load_order":
		s.handleLoadOrder(w, r, parts[2], correlationID)
	case "commit_space":
		s.handleCommitSpace(w, r, parts[2], correlationID)
	case "reset_space":
		s.handleResetSpace(w, parts[2])
	case "space_meta":
		s.handleSpaceMeta(w, r, parts[2], correlationID)
	case "navigation":
		s.handleNavigation(w)
	case "create_item":
		s.handleCreateItem(w, r, correlationID)
	case "rename_item":
		s.handleRenameItem(w, r, parts[3], correlationID)
	case "delete_item":
		s.handleDeleteItem(w, parts[3])
	case "navigation_order":
		s.handleNavigationOrder(w, r, correlationID)
	case "navigation_commit":
		s.handleNavigationCommit(w, r, correlationID)
	case "navigation_reset":
		s.handleNavigationReset(w)
	case "navigation_load":
		s.handleNavigationLoad(w, r, correlationID)
	}
}

// publish fans a mutation out to the change feed and the OnChange hook.
func (s *Server) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.events.broadcast(ev)
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
			return false
		}
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "bad_request", "request body required", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

// writeStageError maps staging and remote errors onto HTTP statuses.
func writeStageError(w http.ResponseWriter, err error, correlationID string) {
	var commitErr *tabstage.CommitError
	var navErr *navstage.CommitError
	var httpErr *remote.HTTPError
	var payloadErr *remote.PayloadError
	switch {
	case errors.Is(err, tabstage.ErrUnknownSpace), errors.Is(err, tabstage.ErrUnknownTab), errors.Is(err, navstage.ErrUnknownItem):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, tabstage.ErrInvalidTabName), errors.Is(err, navstage.ErrInvalidLabel), errors.Is(err, navstage.ErrInvalidHref):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, navstage.ErrDuplicateHref), errors.Is(err, tabstage.ErrSpaceExists):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, tabstage.ErrCommitInProgress), errors.Is(err, navstage.ErrCommitInProgress):
		writeError(w, http.StatusConflict, "commit_in_progress", err.Error(), correlationID)
	case errors.As(err, &commitErr):
		writeError(w, upstreamStatus(err), "commit_failed", fmt.Sprintf("%s failed: %v", commitErr.Step, commitErr.Err), correlationID)
	case errors.As(err, &navErr):
		writeError(w, upstreamStatus(err), "commit_failed", fmt.Sprintf("%s failed: %v", navErr.Step, navErr.Err), correlationID)
	case remote.IsTransient(err):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID)
	case errors.As(err, &httpErr), errors.As(err, &payloadErr):
		writeError(w, http.StatusBadGateway, "remote_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func upstreamStatus(err error) int {
	if remote.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

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
