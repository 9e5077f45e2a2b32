package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentworkforce/spacestage/internal/tabstage"
)

type spaceView struct {
	Local      *tabstage.Space `json:"local,omitempty"`
	Remote     *tabstage.Space `json:"remote,omitempty"`
	Changes    []tabChangeView `json:"changes"`
	Dirty      bool            `json:"dirty"`
	Committing bool            `json:"committing"`
}

type tabChangeView struct {
	Name   string `json:"name"`
	Key    string `json:"key,omitempty"`
	Status string `json:"status"`
}

type tabView struct {
	Name    string              `json:"name"`
	Tab     *tabstage.TabConfig `json:"tab,omitempty"`
	Loading bool                `json:"loading"`
	Checked bool                `json:"checked"`
}

type createTabRequest struct {
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config,omitempty"`
	IsPrivate bool            `json:"isPrivate,omitempty"`
}

type saveTabRequest struct {
	Config    json.RawMessage `json:"config"`
	IsPrivate bool            `json:"isPrivate,omitempty"`
}

type renameTabRequest struct {
	Name string `json:"name"`
}

type orderRequest struct {
	Order []string `json:"order"`
}

type spaceMetaRequest struct {
	FID             int64  `json:"fid,omitempty"`
	ContractAddress string `json:"contractAddress,omitempty"`
	Network         string `json:"network,omitempty"`
	ProposalID      string `json:"proposalId,omitempty"`
	ChannelID       string `json:"channelId,omitempty"`
}

func (s *Server) handleSpaces(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"spaces": s.tabs.SpaceIDs()})
}

func (s *Server) handleSpace(w http.ResponseWriter, spaceID, correlationID string) {
	view := spaceView{
		Changes:    []tabChangeView{},
		Dirty:      s.tabs.HasUncommittedSpaceChanges(spaceID),
		Committing: s.tabs.IsCommitting(spaceID),
	}
	if local, ok := s.tabs.Space(spaceID); ok {
		view.Local = &local
	}
	if remoteSpace, ok := s.tabs.RemoteSpace(spaceID); ok {
		view.Remote = &remoteSpace
	}
	if view.Local == nil && view.Remote == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown space", correlationID)
		return
	}
	for _, change := range s.tabs.Changes(spaceID) {
		view.Changes = append(view.Changes, tabChangeView{
			Name:   change.Name,
			Key:    change.Key,
			Status: change.Status.String(),
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreateTab(w http.ResponseWriter, r *http.Request, spaceID, correlationID string) {
	var req createTabRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	var initial *tabstage.TabConfig
	if len(req.Config) > 0 {
		initial = &tabstage.TabConfig{Config: req.Config, IsPrivate: req.IsPrivate}
	}
	name := s.tabs.CreateTab(spaceID, req.Name, initial)
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) handleTab(w http.ResponseWriter, spaceID, name, correlationID string) {
	view := tabView{
		Name:    name,
		Loading: s.tabs.IsTabLoading(spaceID, name),
		Checked: s.tabs.IsTabChecked(spaceID, name),
	}
	if local, ok := s.tabs.Space(spaceID); ok {
		if tab, ok := local.Tabs[name]; ok {
			view.Tab = &tab
		}
	}
	if view.Tab == nil && !view.Checked && !view.Loading {
		writeError(w, http.StatusNotFound, "not_found", "unknown tab", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSaveTab(w http.ResponseWriter, r *http.Request, spaceID, name, correlationID string) {
	var req saveTabRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "config is required", correlationID)
		return
	}
	if err := s.tabs.SaveTab(spaceID, name, tabstage.TabConfig{Config: req.Config, IsPrivate: req.IsPrivate}); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameTab(w http.ResponseWriter, r *http.Request, spaceID, name, correlationID string) {
	var req renameTabRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.tabs.RenameTab(spaceID, name, req.Name); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	current := name
	if local, ok := s.tabs.Space(spaceID); ok {
		if _, renamed := local.Tabs[req.Name]; renamed {
			if _, stillOld := local.Tabs[name]; !stillOld {
				current = req.Name
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": current})
}

func (s *Server) handleDeleteTab(w http.ResponseWriter, spaceID, name string) {
	s.tabs.DeleteTab(spaceID, name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadTab(w http.ResponseWriter, r *http.Request, spaceID, name, correlationID string) {
	if err := s.tabs.LoadSpaceTab(r.Context(), spaceID, name); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	s.handleTab(w, spaceID, name, correlationID)
}

func (s *Server) handleCommitTab(w http.ResponseWriter, r *http.Request, spaceID, name, correlationID string) {
	if err := s.tabs.CommitSpaceTabToDatabase(r.Context(), spaceID, name); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": true, "at": time.Now().UTC()})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request, spaceID, correlationID string) {
	var req orderRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	s.tabs.UpdateLocalSpaceOrder(spaceID, req.Order)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadOrder(w http.ResponseWriter, r *http.Request, spaceID, correlationID string) {
	if err := s.tabs.LoadSpaceOrder(r.Context(), spaceID); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	s.handleSpace(w, spaceID, correlationID)
}

func (s *Server) handleCommitSpace(w http.ResponseWriter, r *http.Request, spaceID, correlationID string) {
	if err := s.tabs.CommitAllSpaceChanges(r.Context(), spaceID); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": true, "at": time.Now().UTC()})
}

func (s *Server) handleResetSpace(w http.ResponseWriter, spaceID string) {
	s.tabs.ResetSpaceChanges(spaceID)
	w.WriteHeader(http.StatusNoContent)
}

// handleSpaceMeta records what a space belongs to. It creates an empty
// local space when none exists yet.
func (s *Server) handleSpaceMeta(w http.ResponseWriter, r *http.Request, spaceID, correlationID string) {
	var req spaceMetaRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	s.tabs.EnsureSpace(spaceID, tabstage.SpaceMeta(req))
	sp, _ := s.tabs.Space(spaceID)
	writeJSON(w, http.StatusOK, sp.Meta)
}
