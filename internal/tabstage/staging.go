package tabstage

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/spacestage/internal/reconcile"
)

// CreateTab adds a tab to the local copy of a space and returns the name it
// was stored under. Unusable or taken names fall back to a unique variant, so
// CreateTab never fails.
func (s *Service) CreateTab(spaceID, name string, initial *TabConfig) string {
	s.mu.Lock()
	sp := s.ensureLocalLocked(spaceID)
	base := strings.TrimSpace(name)
	if err := reconcile.ValidateTabName(base); err != nil {
		s.debug("tab name rejected, using default", "space", spaceID, "name", name, "err", err)
		base = DefaultTabName
	}
	chosen := reconcile.UniqueName(base, reconcile.MaxTabNameLength, sp.hasTab)

	cfg := TabConfig{Config: DefaultConfig()}
	if initial != nil {
		cfg = initial.clone()
		if len(cfg.Config) == 0 {
			cfg.Config = DefaultConfig()
		}
	}
	cfg.Timestamp = s.stamp()
	sp.Tabs[chosen] = cfg
	sp.Order = append(sp.Order, chosen)
	sp.OrderUpdatedAt = s.stamp()
	// The new tab overwrites the stored content under this key, so the
	// queued deletion would destroy it.
	sp.dropDeleted(chosen)
	s.mu.Unlock()

	s.notify(Change{SpaceID: spaceID, Tab: chosen, Kind: "tab.created"})
	return chosen
}

// SaveTab replaces the config of an existing local tab.
func (s *Service) SaveTab(spaceID, name string, cfg TabConfig) error {
	s.mu.Lock()
	sp, ok := s.local[spaceID]
	if !ok || !sp.hasTab(name) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownTab, spaceID, name)
	}
	next := cfg.clone()
	next.Timestamp = s.stamp()
	sp.Tabs[name] = next
	s.mu.Unlock()

	s.notify(Change{SpaceID: spaceID, Tab: name, Kind: "tab.saved"})
	return nil
}

// RenameTab renames a local tab, keeping its order position. The storage key
// holding its committed content is carried along so the next commit moves
// it instead of duplicating it; chained renames keep the original key.
func (s *Service) RenameTab(spaceID, oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if err := reconcile.ValidateTabName(newName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTabName, err)
	}

	s.mu.Lock()
	sp, ok := s.local[spaceID]
	if !ok {
		s.mu.Unlock()
		s.warn("rename in unknown space", "space", spaceID, "tab", oldName)
		return nil
	}
	cfg, ok := sp.Tabs[oldName]
	if !ok {
		s.mu.Unlock()
		s.warn("rename of unknown tab", "space", spaceID, "tab", oldName)
		return nil
	}
	if oldName == newName || sp.hasTab(newName) {
		s.mu.Unlock()
		return nil
	}

	key := s.backingKeyLocked(spaceID, sp, oldName)
	delete(sp.RenamedFrom, oldName)
	if key != "" && key != newName {
		sp.RenamedFrom[newName] = key
	}
	sp.dropDeleted(newName)

	delete(sp.Tabs, oldName)
	cfg.Timestamp = s.stamp()
	sp.Tabs[newName] = cfg
	replaced := false
	for i, name := range sp.Order {
		if name == oldName {
			sp.Order[i] = newName
			replaced = true
		}
	}
	if !replaced {
		sp.Order = append(sp.Order, newName)
	}
	sp.OrderUpdatedAt = s.stamp()
	s.mu.Unlock()

	s.notify(Change{SpaceID: spaceID, Tab: newName, Kind: "tab.renamed"})
	return nil
}

// DeleteTab removes a tab locally. Its storage key is queued for deletion
// only when the remote snapshot holds it.
func (s *Service) DeleteTab(spaceID, name string) {
	s.mu.Lock()
	sp, ok := s.local[spaceID]
	if !ok || !sp.hasTab(name) {
		s.mu.Unlock()
		s.warn("delete of unknown tab", "space", spaceID, "tab", name)
		return
	}
	key := s.backingKeyLocked(spaceID, sp, name)
	delete(sp.Tabs, name)
	delete(sp.RenamedFrom, name)
	order := sp.Order[:0]
	for _, n := range sp.Order {
		if n != name {
			order = append(order, n)
		}
	}
	sp.Order = order
	sp.OrderUpdatedAt = s.stamp()
	// While a commit runs the key may already have been moved; the fold
	// redirects the deletion to the key's new name.
	_, committing := s.committing[spaceID]
	if key != "" && (s.remote[spaceID].hasTab(key) || committing) && !sp.hasDeleted(key) {
		sp.DeletedKeys = append(sp.DeletedKeys, key)
	}
	s.mu.Unlock()

	s.notify(Change{SpaceID: spaceID, Tab: name, Kind: "tab.deleted"})
}

// UpdateLocalSpaceOrder replaces the local tab order of a space.
func (s *Service) UpdateLocalSpaceOrder(spaceID string, order []string) {
	s.mu.Lock()
	sp := s.ensureLocalLocked(spaceID)
	sp.Order = append([]string{}, order...)
	sp.OrderUpdatedAt = s.stamp()
	s.mu.Unlock()

	s.notify(Change{SpaceID: spaceID, Kind: "order.updated"})
}
