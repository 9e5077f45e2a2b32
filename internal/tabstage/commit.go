package tabstage

import (
	"context"
	"sort"
	"time"

	"github.com/agentworkforce/spacestage/internal/reconcile"
	"github.com/agentworkforce/spacestage/internal/remote"
	"golang.org/x/sync/errgroup"
)

// CommitSpaceTabToDatabase writes one staged tab. A pending rename whose old
// key is still stored remotely is written under the old key, which the
// remote side treats as a move. Failures leave local and remote state as
// they were.
func (s *Service) CommitSpaceTabToDatabase(ctx context.Context, spaceID, name string) error {
	s.mu.Lock()
	sp, ok := s.local[spaceID]
	if !ok || !sp.hasTab(name) {
		s.mu.Unlock()
		s.warn("commit of unknown tab skipped", "space", spaceID, "tab", name)
		return nil
	}
	backing := sp.RenamedFrom[name]
	key, move := reconcile.WriteKey(name, backing, s.remote[spaceID].hasTab)
	cfg := sp.Tabs[name].clone()
	s.mu.Unlock()

	if err := s.putTab(ctx, spaceID, key, name, cfg); err != nil {
		return &CommitError{SpaceID: spaceID, Step: "write tab", Key: key, Err: err}
	}

	s.mu.Lock()
	rsp := s.ensureRemoteLocked(spaceID)
	if move {
		delete(rsp.Tabs, key)
	}
	rsp.Tabs[name] = cfg
	if sp, ok := s.local[spaceID]; ok && backing != "" && sp.RenamedFrom[name] == backing {
		delete(sp.RenamedFrom, name)
	}
	s.mu.Unlock()

	s.info("tab committed", "space", spaceID, "tab", name, "key", key, "move", move)
	s.notify(Change{SpaceID: spaceID, Tab: name, Kind: "tab.committed"})
	return nil
}

type tabWrite struct {
	name string
	key  string
	cfg  TabConfig
}

type commitPlan struct {
	moves    []tabWrite
	writes   []tabWrite
	deletes  []string
	order    []string
	putOrder bool
	orderAt  time.Time
}

func (p commitPlan) empty() bool {
	return len(p.moves) == 0 && len(p.writes) == 0 && len(p.deletes) == 0 && !p.putOrder
}

// planCommit turns the staged changes of base into remote calls. Moves run
// before everything else; a move whose target key is the source of another
// move is demoted to a write plus a deletion so phase two never races with
// phase one.
func planCommit(base, remoteSp *Space, now time.Time) commitPlan {
	var plan commitPlan
	changes := classify(base, remoteSp)

	sources := map[string]struct{}{}
	for _, ch := range changes {
		if ch.Status == TabPendingRename && remoteSp.hasTab(ch.Key) {
			sources[ch.Key] = struct{}{}
		}
	}
	deleting := map[string]struct{}{}
	for _, ch := range changes {
		switch ch.Status {
		case TabNew:
			plan.writes = append(plan.writes, tabWrite{name: ch.Name, key: ch.Name, cfg: base.Tabs[ch.Name]})
		case TabStable:
			cfg := base.Tabs[ch.Name]
			committed := remoteSp.Tabs[ch.Name]
			if !cfg.sameContent(committed) || cfg.Timestamp.After(committed.Timestamp) {
				plan.writes = append(plan.writes, tabWrite{name: ch.Name, key: ch.Name, cfg: cfg})
			}
		case TabPendingRename:
			w := tabWrite{name: ch.Name, key: ch.Name, cfg: base.Tabs[ch.Name]}
			key, move := reconcile.WriteKey(ch.Name, ch.Key, remoteSp.hasTab)
			if !move {
				plan.writes = append(plan.writes, w)
				continue
			}
			if _, clash := sources[ch.Name]; !clash {
				w.key = key
				plan.moves = append(plan.moves, w)
				continue
			}
			plan.writes = append(plan.writes, w)
			if !base.hasTab(ch.Key) {
				deleting[ch.Key] = struct{}{}
			}
		case TabPendingDelete:
			if !base.hasTab(ch.Key) {
				deleting[ch.Key] = struct{}{}
			}
		}
	}
	for key := range deleting {
		plan.deletes = append(plan.deletes, key)
	}
	sort.Strings(plan.deletes)

	plan.order = base.normalizedOrder()
	plan.orderAt = base.OrderUpdatedAt
	if plan.orderAt.IsZero() {
		plan.orderAt = now
	}
	if remoteSp == nil || !equalStrings(plan.order, remoteSp.Order) || plan.orderAt.After(remoteSp.OrderUpdatedAt) {
		plan.putOrder = true
	}
	return plan
}

// CommitAllSpaceChanges commits every staged change of a space: pending
// renames first, then writes, deletions and the order in parallel. The
// remote snapshot follows each successful call. Local bookkeeping is only
// cleared once every call succeeded, so a failed commit can be retried as a
// whole.
func (s *Service) CommitAllSpaceChanges(ctx context.Context, spaceID string) error {
	s.mu.Lock()
	sp, ok := s.local[spaceID]
	if !ok {
		s.mu.Unlock()
		s.warn("commit of unknown space skipped", "space", spaceID)
		return nil
	}
	if _, busy := s.committing[spaceID]; busy {
		s.mu.Unlock()
		return ErrCommitInProgress
	}
	s.committing[spaceID] = struct{}{}
	base := sp.clone()
	plan := planCommit(base, s.remote[spaceID].clone(), s.stamp())
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.committing, spaceID)
		s.mu.Unlock()
	}()
	s.notify(Change{SpaceID: spaceID, Kind: "commit.started"})

	if err := s.runCommit(ctx, spaceID, plan); err != nil {
		s.warn("commit failed", "space", spaceID, "err", err)
		s.notify(Change{SpaceID: spaceID, Kind: "commit.failed"})
		return err
	}

	s.mu.Lock()
	folded := base.committed()
	folded.Order = plan.order
	folded.OrderUpdatedAt = plan.orderAt
	s.remote[spaceID] = folded
	if sp, ok := s.local[spaceID]; ok {
		for _, key := range base.DeletedKeys {
			sp.dropDeleted(key)
		}
		for name, from := range base.RenamedFrom {
			if sp.RenamedFrom[name] == from {
				delete(sp.RenamedFrom, name)
			}
			if base.hasTab(from) {
				continue
			}
			// Edits staged during the commit still point at the vacated key;
			// its content now lives under name.
			for other, key := range sp.RenamedFrom {
				if key != from {
					continue
				}
				if other == name {
					delete(sp.RenamedFrom, other)
				} else {
					sp.RenamedFrom[other] = name
				}
			}
			if sp.hasDeleted(from) {
				sp.dropDeleted(from)
				if !sp.hasTab(name) && !sp.hasDeleted(name) {
					sp.DeletedKeys = append(sp.DeletedKeys, name)
				}
			}
		}
		if equalStrings(sp.Order, base.Order) {
			sp.Order = append([]string{}, plan.order...)
			sp.OrderUpdatedAt = plan.orderAt
		}
	}
	s.mu.Unlock()

	s.info("space committed", "space", spaceID,
		"moves", len(plan.moves), "writes", len(plan.writes), "deletes", len(plan.deletes), "order", plan.putOrder)
	s.notify(Change{SpaceID: spaceID, Kind: "commit.succeeded"})
	return nil
}

func (s *Service) runCommit(ctx context.Context, spaceID string, plan commitPlan) error {
	if plan.empty() {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range plan.moves {
		g.Go(func() error {
			if err := s.putTab(gctx, spaceID, w.key, w.name, w.cfg); err != nil {
				return &CommitError{SpaceID: spaceID, Step: "move tab", Key: w.key, Err: err}
			}
			s.recordWrite(spaceID, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, w := range plan.writes {
		g.Go(func() error {
			if err := s.putTab(gctx, spaceID, w.key, w.name, w.cfg); err != nil {
				return &CommitError{SpaceID: spaceID, Step: "write tab", Key: w.key, Err: err}
			}
			s.recordWrite(spaceID, w)
			return nil
		})
	}
	for _, key := range plan.deletes {
		g.Go(func() error {
			if err := s.deleteTab(gctx, spaceID, key); err != nil {
				return &CommitError{SpaceID: spaceID, Step: "delete tab", Key: key, Err: err}
			}
			s.mu.Lock()
			if rsp, ok := s.remote[spaceID]; ok {
				delete(rsp.Tabs, key)
			}
			s.mu.Unlock()
			return nil
		})
	}
	if plan.putOrder {
		g.Go(func() error {
			if err := s.putOrder(gctx, spaceID, plan.order, plan.orderAt); err != nil {
				return &CommitError{SpaceID: spaceID, Step: "write order", Err: err}
			}
			s.mu.Lock()
			rsp := s.ensureRemoteLocked(spaceID)
			rsp.Order = append([]string{}, plan.order...)
			rsp.OrderUpdatedAt = plan.orderAt
			s.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) recordWrite(spaceID string, w tabWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rsp := s.ensureRemoteLocked(spaceID)
	if w.key != w.name {
		delete(rsp.Tabs, w.key)
	}
	rsp.Tabs[w.name] = w.cfg.clone()
}

func (s *Service) putTab(ctx context.Context, spaceID, key, name string, cfg TabConfig) error {
	env, err := s.signer.Sign(ctx, remote.TabFile{
		SpaceID:   spaceID,
		Name:      name,
		Config:    cfg.Config,
		Timestamp: cfg.Timestamp,
		IsPrivate: cfg.IsPrivate,
	})
	if err != nil {
		return err
	}
	return s.client.PutTab(ctx, spaceID, key, env)
}

func (s *Service) deleteTab(ctx context.Context, spaceID, key string) error {
	env, err := s.signer.Sign(ctx, remote.TabDeletion{SpaceID: spaceID, Key: key, Timestamp: s.stamp()})
	if err != nil {
		return err
	}
	err = s.client.DeleteTab(ctx, spaceID, key, env)
	if remote.IsNotFound(err) {
		return nil
	}
	return err
}

func (s *Service) putOrder(ctx context.Context, spaceID string, order []string, at time.Time) error {
	env, err := s.signer.Sign(ctx, remote.TabOrder{SpaceID: spaceID, Order: order, Timestamp: at})
	if err != nil {
		return err
	}
	return s.client.PutOrder(ctx, spaceID, env)
}
