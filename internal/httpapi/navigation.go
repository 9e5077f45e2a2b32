package httpapi

import (
	"net/http"

	"github.com/agentworkforce/spacestage/internal/navstage"
)

type navigationView struct {
	Items       []navstage.Item `json:"items"`
	RemoteItems []navstage.Item `json:"remoteItems"`
	Dirty       bool            `json:"dirty"`
	Committing  bool            `json:"committing"`
}

type createItemRequest struct {
	Label        string `json:"label"`
	Href         string `json:"href,omitempty"`
	Icon         string `json:"icon,omitempty"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`
}

type renameItemRequest struct {
	Label *string `json:"label,omitempty"`
	Href  *string `json:"href,omitempty"`
	Icon  *string `json:"icon,omitempty"`
}

type navigationOrderRequest struct {
	Order []string `json:"order"`
}

type navigationLoadRequest struct {
	CommunityID string `json:"communityId,omitempty"`
}

type navigationCommitRequest struct {
	CommunityID string           `json:"communityId,omitempty"`
	Existing    *navstage.Config `json:"existing,omitempty"`
}

func (s *Server) handleNavigation(w http.ResponseWriter) {
	items := s.nav.Items()
	remoteItems := s.nav.RemoteItems()
	if items == nil {
		items = []navstage.Item{}
	}
	if remoteItems == nil {
		remoteItems = []navstage.Item{}
	}
	writeJSON(w, http.StatusOK, navigationView{
		Items:       items,
		RemoteItems: remoteItems,
		Dirty:       s.nav.HasUncommittedChanges(),
		Committing:  s.nav.IsCommitting(),
	})
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req createItemRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	item, err := s.nav.CreateItem(navstage.ItemInput{
		Label:        req.Label,
		Href:         req.Href,
		Icon:         req.Icon,
		RequiresAuth: req.RequiresAuth,
	})
	if err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	s.publish(Event{Kind: "navigation.item.created", ItemID: item.ID, SpaceID: item.SpaceID})
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleRenameItem(w http.ResponseWriter, r *http.Request, itemID, correlationID string) {
	var req renameItemRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	href, err := s.nav.RenameItem(itemID, navstage.RenameInput{
		Label: req.Label,
		Href:  req.Href,
		Icon:  req.Icon,
	})
	if err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	s.publish(Event{Kind: "navigation.item.renamed", ItemID: itemID})
	writeJSON(w, http.StatusOK, map[string]string{"href": href})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, itemID string) {
	s.nav.DeleteItem(itemID)
	s.publish(Event{Kind: "navigation.item.deleted", ItemID: itemID})
	w.WriteHeader(http.StatusNoContent)
}

// handleNavigationOrder takes item ids rather than full items so a client
// cannot smuggle edits through a reorder. Every local item must be listed.
func (s *Server) handleNavigationOrder(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req navigationOrderRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	current := s.nav.Items()
	byID := make(map[string]navstage.Item, len(current))
	for _, item := range current {
		byID[item.ID] = item
	}
	ordered := make([]navstage.Item, 0, len(req.Order))
	seen := make(map[string]struct{}, len(req.Order))
	for _, id := range req.Order {
		if id == navstage.NotificationsItemID {
			continue
		}
		item, ok := byID[id]
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown navigation item: "+id, correlationID)
			return
		}
		if _, dup := seen[id]; dup {
			writeError(w, http.StatusBadRequest, "bad_request", "duplicate navigation item: "+id, correlationID)
			return
		}
		seen[id] = struct{}{}
		ordered = append(ordered, item)
	}
	if len(ordered) != len(current) {
		writeError(w, http.StatusBadRequest, "bad_request", "order must list every navigation item", correlationID)
		return
	}
	s.nav.UpdateOrder(ordered)
	s.publish(Event{Kind: "navigation.order.updated"})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNavigationCommit(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req navigationCommitRequest
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	communityID := req.CommunityID
	if communityID == "" {
		communityID = s.cfg.CommunityID
	}
	if communityID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "communityId is required", correlationID)
		return
	}
	if err := s.nav.Commit(r.Context(), communityID, req.Existing); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	s.publish(Event{Kind: "navigation.committed"})
	s.handleNavigation(w)
}

func (s *Server) handleNavigationReset(w http.ResponseWriter) {
	s.nav.Reset()
	s.publish(Event{Kind: "navigation.reset"})
	w.WriteHeader(http.StatusNoContent)
}

// handleNavigationLoad pulls the committed navigation of a community. Staged
// navigation edits are kept; a community without a stored config is not an
// error.
func (s *Server) handleNavigationLoad(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req navigationLoadRequest
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	communityID := req.CommunityID
	if communityID == "" {
		communityID = s.cfg.CommunityID
	}
	if communityID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "communityId is required", correlationID)
		return
	}
	if err := s.nav.Load(r.Context(), communityID); err != nil {
		writeStageError(w, err, correlationID)
		return
	}
	s.publish(Event{Kind: "navigation.loaded"})
	s.handleNavigation(w)
}
