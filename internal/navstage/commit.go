package navstage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/spacestage/internal/reconcile"
	"github.com/agentworkforce/spacestage/internal/remote"
)

// Commit registers spaces for new items, commits staged space edits, and
// submits the navigation config. Remote state only advances when the config
// itself was accepted.
func (s *Service) Commit(ctx context.Context, communityID string, existing *Config) error {
	s.mu.Lock()
	if s.committing {
		s.mu.Unlock()
		return ErrCommitInProgress
	}
	s.committing = true
	items := withoutNotifications(s.local)
	remoteItems := cloneItems(s.remote)
	base := s.remoteConfig.clone()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.committing = false
		s.mu.Unlock()
	}()
	if existing != nil {
		base = existing.clone()
	}

	skipped := map[string]struct{}{}
	for i, item := range items {
		if indexOf(remoteItems, item.ID) >= 0 || item.SpaceID == "" {
			continue
		}
		spaceID, err := s.provisionSpace(ctx, communityID, item)
		if err != nil {
			if s.opts.ProvisionPolicy == PolicySkip {
				s.warn("space registration failed, item left staged", "item", item.ID, "err", err)
				skipped[item.ID] = struct{}{}
				continue
			}
			return &CommitError{Step: "register space", ItemID: item.ID, Err: err}
		}
		items[i].SpaceID = spaceID
		if err := s.spaces.CommitAllSpaceChanges(ctx, spaceID); err != nil {
			return &CommitError{Step: "commit space", ItemID: item.ID, Err: err}
		}
	}

	for _, item := range items {
		if indexOf(remoteItems, item.ID) < 0 || item.SpaceID == "" {
			continue
		}
		if !s.spaces.HasUncommittedSpaceChanges(item.SpaceID) {
			continue
		}
		if err := s.spaces.CommitAllSpaceChanges(ctx, item.SpaceID); err != nil {
			return &CommitError{Step: "commit space", ItemID: item.ID, Err: err}
		}
	}

	committed := make([]Item, 0, len(items))
	for _, item := range items {
		if _, skip := skipped[item.ID]; !skip {
			committed = append(committed, item)
		}
	}
	cfg := base
	cfg.Items = committed
	raw, err := json.Marshal(cfg)
	if err != nil {
		return &CommitError{Step: "encode navigation", Err: err}
	}
	if err := remote.ValidateNavigationConfig(raw); err != nil {
		return &CommitError{Step: "validate navigation", Err: err}
	}
	env, err := s.signer.Sign(ctx, remote.NavigationConfigUpdate{
		CommunityID:      communityID,
		NavigationConfig: raw,
		Timestamp:        s.opts.Now().UTC(),
	})
	if err != nil {
		return &CommitError{Step: "sign navigation", Err: err}
	}
	if err := s.client.PutNavigationConfig(ctx, env); err != nil {
		return &CommitError{Step: "write navigation", Err: err}
	}

	s.mu.Lock()
	s.remote = cloneItems(committed)
	s.remoteConfig = cfg.clone()
	for _, item := range committed {
		delete(s.registered, item.ID)
	}
	s.mu.Unlock()

	s.info("navigation committed", "community", communityID, "items", len(committed), "skipped", len(skipped))
	return nil
}

// provisionSpace registers the space bound to a new item and returns its
// authoritative id. A registration remembered from an earlier attempt is
// reused. When the registry answers with a different id the local space and
// item are moved to it.
func (s *Service) provisionSpace(ctx context.Context, communityID string, item Item) (string, error) {
	s.mu.Lock()
	spaceID, known := s.registered[item.ID]
	s.mu.Unlock()

	if !known {
		req := remote.SpaceRegistrationRequest{
			SpaceName:   reconcile.SpaceNameFromHref(item.Href, item.Label),
			CommunityID: communityID,
			NavItemID:   item.ID,
			Identity:    s.opts.Identity,
			Timestamp:   s.opts.Now().UTC(),
		}
		if s.opts.SpaceIDMode == ClientGenerated {
			req.SpaceID = item.SpaceID
		}
		if meta := s.spaces.SpaceMeta(item.SpaceID); !meta.IsZero() {
			req.Meta = &meta
		}
		env, err := s.signer.Sign(ctx, req)
		if err != nil {
			return "", fmt.Errorf("sign registration: %w", err)
		}
		reg, err := s.client.RegisterSpace(ctx, env)
		if err != nil {
			return "", err
		}
		spaceID = reg.SpaceID
		s.mu.Lock()
		s.registered[item.ID] = spaceID
		s.mu.Unlock()
		s.info("space registered", "item", item.ID, "space", spaceID)
	}

	if spaceID != item.SpaceID {
		if err := s.spaces.RenameSpaceID(item.SpaceID, spaceID); err != nil {
			return "", fmt.Errorf("adopt assigned space id %s: %w", spaceID, err)
		}
		s.mu.Lock()
		if idx := indexOf(s.local, item.ID); idx >= 0 && s.local[idx].SpaceID == item.SpaceID {
			s.local[idx].SpaceID = spaceID
		}
		s.mu.Unlock()
	}
	return spaceID, nil
}
