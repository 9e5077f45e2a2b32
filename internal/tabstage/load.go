package tabstage

import (
	"context"
	"fmt"

	"github.com/agentworkforce/spacestage/internal/reconcile"
	"github.com/agentworkforce/spacestage/internal/remote"
)

// LoadSpaceTab fetches the committed copy of a tab and merges it into local
// state. The remote snapshot always takes the fetched payload; the local copy
// only does when it is absent or strictly older. A tab that is not stored
// remotely is not an error.
func (s *Service) LoadSpaceTab(ctx context.Context, spaceID, name string) error {
	ref := tabRef{space: spaceID, tab: name}
	s.mu.Lock()
	if _, busy := s.loading[ref]; busy {
		s.mu.Unlock()
		return nil
	}
	s.loading[ref] = struct{}{}
	key := name
	if sp, ok := s.local[spaceID]; ok {
		if from, renamed := sp.RenamedFrom[name]; renamed {
			key = from
		}
	}
	s.mu.Unlock()

	file, err := s.client.GetTab(ctx, spaceID, key)

	s.mu.Lock()
	delete(s.loading, ref)
	s.checked[ref] = struct{}{}
	if err != nil {
		s.mu.Unlock()
		if remote.IsNotFound(err) {
			s.debug("tab not stored remotely", "space", spaceID, "tab", name, "key", key)
			s.notify(Change{SpaceID: spaceID, Tab: name, Kind: "tab.checked"})
			return nil
		}
		return fmt.Errorf("load tab %s/%s: %w", spaceID, name, err)
	}

	fetched := TabConfig{Config: file.Config, Timestamp: file.Timestamp.UTC(), IsPrivate: file.IsPrivate}
	s.ensureRemoteLocked(spaceID).Tabs[key] = fetched.clone()

	sp := s.ensureLocalLocked(spaceID)
	current, present := sp.Tabs[name]
	outcome := "kept"
	switch {
	case present:
		if reconcile.RemoteWins(current.Timestamp, fetched.Timestamp, true) {
			sp.Tabs[name] = fetched
			outcome = "replaced"
		}
	case sp.hasDeleted(key):
		outcome = "deleted"
	default:
		if owner, claimed := sp.claimedBy(key); claimed && owner != name {
			outcome = "renamed"
			break
		}
		sp.Tabs[name] = fetched
		if !containsString(sp.Order, name) {
			sp.Order = append(sp.Order, name)
		}
		outcome = "added"
	}
	s.mu.Unlock()

	s.debug("tab loaded", "space", spaceID, "tab", name, "key", key, "outcome", outcome)
	s.notify(Change{SpaceID: spaceID, Tab: name, Kind: "tab.loaded"})
	return nil
}

// LoadSpaceOrder fetches the committed tab order and merges it with the same
// rule as LoadSpaceTab, using the order timestamp.
func (s *Service) LoadSpaceOrder(ctx context.Context, spaceID string) error {
	order, err := s.client.GetOrder(ctx, spaceID)
	if err != nil {
		if remote.IsNotFound(err) {
			s.debug("order not stored remotely", "space", spaceID)
			return nil
		}
		return fmt.Errorf("load order %s: %w", spaceID, err)
	}

	s.mu.Lock()
	rsp := s.ensureRemoteLocked(spaceID)
	rsp.Order = append([]string{}, order.Order...)
	rsp.OrderUpdatedAt = order.Timestamp.UTC()

	sp, present := s.local[spaceID]
	if !present {
		sp = s.ensureLocalLocked(spaceID)
	}
	if reconcile.RemoteWins(sp.OrderUpdatedAt, rsp.OrderUpdatedAt, present && !sp.OrderUpdatedAt.IsZero()) {
		sp.Order = append([]string{}, order.Order...)
		sp.OrderUpdatedAt = rsp.OrderUpdatedAt
	}
	s.mu.Unlock()

	s.notify(Change{SpaceID: spaceID, Kind: "order.loaded"})
	return nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
