package main

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/agentworkforce/spacestage/internal/appconfig"
	"github.com/agentworkforce/spacestage/internal/draft"
	"github.com/agentworkforce/spacestage/internal/navstage"
	"github.com/agentworkforce/spacestage/internal/remote"
	"github.com/agentworkforce/spacestage/internal/tabstage"
)

// stage bundles both staging stores with their draft persistence.
type stage struct {
	tabs    *tabstage.Service
	nav     *navstage.Service
	backend draft.Backend
	logger  pslog.Logger
}

func newStage(cfg appconfig.Config, client remote.Client, signer remote.Signer, backend draft.Backend, logger pslog.Logger) (*stage, error) {
	policy, err := navstage.ParseProvisionPolicy(cfg.Navigation.ProvisionPolicy)
	if err != nil {
		return nil, err
	}
	mode, err := navstage.ParseSpaceIDMode(cfg.Navigation.SpaceIDMode)
	if err != nil {
		return nil, err
	}
	tabs, err := tabstage.NewService(client, signer, tabstage.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	identity := ""
	if keyed, ok := signer.(interface{ PublicKey() string }); ok {
		identity = keyed.PublicKey()
	}
	nav, err := navstage.NewService(client, signer, tabs, navstage.Options{
		Logger:          logger,
		ProvisionPolicy: policy,
		SpaceIDMode:     mode,
		CascadeReset:    cfg.Navigation.CascadeReset,
		DefaultTabName:  cfg.Navigation.DefaultTabName,
		Identity:        identity,
	})
	if err != nil {
		return nil, err
	}
	return &stage{tabs: tabs, nav: nav, backend: backend, logger: logger}, nil
}

func (s *stage) capture() (*draft.Document, error) {
	return draft.Encode(s.tabs.Snapshot(), s.nav.Snapshot(), time.Now().UTC())
}

// restore loads the stored draft, if any, into both stores.
func (s *stage) restore() error {
	if s.backend == nil {
		return nil
	}
	doc, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	if doc == nil {
		return nil
	}
	var tabState tabstage.State
	var navState navstage.State
	if err := doc.Decode(&tabState, &navState); err != nil {
		return fmt.Errorf("decode draft: %w", err)
	}
	s.tabs.Restore(tabState)
	s.nav.Restore(navState)
	if s.logger != nil {
		s.logger.Info("draft restored", "spaces", len(tabState.Local), "items", len(navState.Local), "saved_at", doc.SavedAt)
	}
	return nil
}

// loadNavigation pulls the community's committed navigation so the first
// commit of a session extends it instead of replacing it.
func (s *stage) loadNavigation(ctx context.Context, communityID string) error {
	if communityID == "" {
		if s.logger != nil {
			s.logger.Warn("navigation.community_id not set, committed navigation not loaded")
		}
		return nil
	}
	return s.nav.Load(ctx, communityID)
}
