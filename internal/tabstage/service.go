package tabstage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/spacestage/internal/remote"
	"pkt.systems/pslog"
)

type Options struct {
	Logger pslog.Logger
	Now    func() time.Time
}

type tabRef struct {
	space string
	tab   string
}

// Service stages tab edits per space and commits them to remote persistence.
// All state transitions happen under one mutex; network calls never hold it.
type Service struct {
	client remote.Client
	signer remote.Signer
	log    pslog.Logger
	now    func() time.Time

	mu          sync.Mutex
	local       map[string]*Space
	remote      map[string]*Space
	loading     map[tabRef]struct{}
	checked     map[tabRef]struct{}
	committing  map[string]struct{}
	subscribers map[int]func(Change)
	nextSubID   int
}

func NewService(client remote.Client, signer remote.Signer, opts Options) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		client:      client,
		signer:      signer,
		log:         opts.Logger,
		now:         now,
		local:       map[string]*Space{},
		remote:      map[string]*Space{},
		loading:     map[tabRef]struct{}{},
		checked:     map[tabRef]struct{}{},
		committing:  map[string]struct{}{},
		subscribers: map[int]func(Change){},
	}, nil
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Service) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Service) notify(changes ...Change) {
	s.mu.Lock()
	subs := make([]func(Change), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, change := range changes {
		for _, fn := range subs {
			fn(change)
		}
	}
}

func (s *Service) warn(msg string, keyvals ...any) {
	if s.log != nil {
		s.log.Warn(msg, keyvals...)
	}
}

func (s *Service) debug(msg string, keyvals ...any) {
	if s.log != nil {
		s.log.Debug(msg, keyvals...)
	}
}

func (s *Service) info(msg string, keyvals ...any) {
	if s.log != nil {
		s.log.Info(msg, keyvals...)
	}
}

func (s *Service) stamp() time.Time {
	return s.now().UTC()
}

func (s *Service) ensureLocalLocked(spaceID string) *Space {
	sp, ok := s.local[spaceID]
	if !ok {
		sp = newSpace(spaceID)
		s.local[spaceID] = sp
	}
	return sp
}

func (s *Service) ensureRemoteLocked(spaceID string) *Space {
	sp, ok := s.remote[spaceID]
	if !ok {
		sp = newSpace(spaceID)
		s.remote[spaceID] = sp
	}
	return sp
}

// backingKeyLocked returns the storage key holding the committed content of
// a local tab, or "" when the tab was never committed.
func (s *Service) backingKeyLocked(spaceID string, sp *Space, name string) string {
	if from, ok := sp.RenamedFrom[name]; ok {
		return from
	}
	if s.remote[spaceID].hasTab(name) {
		return name
	}
	return ""
}

// Space returns a copy of the local state of a space.
func (s *Service) Space(spaceID string) (Space, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.local[spaceID]
	if !ok {
		return Space{}, false
	}
	return *sp.clone(), true
}

// RemoteSpace returns a copy of the last known committed state of a space.
func (s *Service) RemoteSpace(spaceID string) (Space, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.remote[spaceID]
	if !ok {
		return Space{}, false
	}
	return *sp.clone(), true
}

// SpaceIDs lists the spaces held locally.
func (s *Service) SpaceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Changes classifies every staged tab of a space.
func (s *Service) Changes(spaceID string) []TabChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.local[spaceID]
	if !ok {
		return nil
	}
	return classify(sp, s.remote[spaceID])
}

func (s *Service) IsTabLoading(spaceID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loading[tabRef{space: spaceID, tab: name}]
	return ok
}

func (s *Service) IsTabChecked(spaceID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checked[tabRef{space: spaceID, tab: name}]
	return ok
}

func (s *Service) IsCommitting(spaceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.committing[spaceID]
	return ok
}

// HasUncommittedSpaceChanges reports staged renames, deletions, tab count or
// order differences, and tabs that are newer locally or only exist locally.
func (s *Service) HasUncommittedSpaceChanges(spaceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.local[spaceID]
	if !ok {
		return false
	}
	remoteSp := s.remote[spaceID]
	if remoteSp == nil {
		return len(local.Tabs) > 0 || len(local.DeletedKeys) > 0
	}
	for name, from := range local.RenamedFrom {
		if from != name {
			return true
		}
	}
	if len(local.DeletedKeys) > 0 {
		return true
	}
	if len(local.Tabs) != len(remoteSp.Tabs) {
		return true
	}
	if !equalStrings(local.Order, remoteSp.Order) {
		return true
	}
	for name, cfg := range local.Tabs {
		committed, ok := remoteSp.Tabs[name]
		if !ok || cfg.Timestamp.After(committed.Timestamp) {
			return true
		}
	}
	return false
}

// EnsureSpace makes sure a local copy of the space exists and records its
// association metadata.
func (s *Service) EnsureSpace(spaceID string, meta SpaceMeta) {
	s.mu.Lock()
	sp := s.restoreLocalLocked(spaceID)
	sp.Meta = meta
	s.mu.Unlock()
	s.notify(Change{SpaceID: spaceID, Kind: "space.updated"})
}

// EnsureLocalSpace gives a space a local copy when it has none, restored
// from the remote snapshot if one is known and empty otherwise.
func (s *Service) EnsureLocalSpace(spaceID string) {
	s.mu.Lock()
	_, exists := s.local[spaceID]
	if !exists {
		s.restoreLocalLocked(spaceID)
	}
	s.mu.Unlock()
	if !exists {
		s.notify(Change{SpaceID: spaceID, Kind: "space.restored"})
	}
}

func (s *Service) restoreLocalLocked(spaceID string) *Space {
	if sp, ok := s.local[spaceID]; ok {
		return sp
	}
	if rsp, ok := s.remote[spaceID]; ok {
		s.local[spaceID] = rsp.committed()
		return s.local[spaceID]
	}
	return s.ensureLocalLocked(spaceID)
}

// SpaceMeta returns the association metadata of the local copy of a space.
func (s *Service) SpaceMeta(spaceID string) SpaceMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.local[spaceID]; ok {
		return sp.Meta
	}
	return SpaceMeta{}
}

// CreateLocalSpace allocates a space holding a single default tab.
func (s *Service) CreateLocalSpace(spaceID, defaultTab string) error {
	s.mu.Lock()
	if _, exists := s.local[spaceID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSpaceExists, spaceID)
	}
	sp := newSpace(spaceID)
	sp.Tabs[defaultTab] = TabConfig{Config: DefaultConfig(), Timestamp: s.stamp()}
	sp.Order = []string{defaultTab}
	sp.OrderUpdatedAt = s.stamp()
	s.local[spaceID] = sp
	s.mu.Unlock()
	s.notify(Change{SpaceID: spaceID, Tab: defaultTab, Kind: "space.created"})
	return nil
}

// RemoveLocalSpace drops the local copy of a space and its load flags.
func (s *Service) RemoveLocalSpace(spaceID string) {
	s.mu.Lock()
	delete(s.local, spaceID)
	for ref := range s.checked {
		if ref.space == spaceID {
			delete(s.checked, ref)
		}
	}
	s.mu.Unlock()
	s.notify(Change{SpaceID: spaceID, Kind: "space.removed"})
}

// RenameSpaceID moves all state kept for oldID under newID, used when the
// registry assigns a different id than the one requested.
func (s *Service) RenameSpaceID(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	s.mu.Lock()
	sp, ok := s.local[oldID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSpace, oldID)
	}
	if _, taken := s.local[newID]; taken {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSpaceExists, newID)
	}
	if _, busy := s.committing[oldID]; busy {
		s.mu.Unlock()
		return ErrCommitInProgress
	}
	sp.ID = newID
	s.local[newID] = sp
	delete(s.local, oldID)
	if rsp, ok := s.remote[oldID]; ok {
		rsp.ID = newID
		s.remote[newID] = rsp
		delete(s.remote, oldID)
	}
	for ref := range s.checked {
		if ref.space == oldID {
			delete(s.checked, ref)
			s.checked[tabRef{space: newID, tab: ref.tab}] = struct{}{}
		}
	}
	s.mu.Unlock()
	s.notify(Change{SpaceID: newID, Kind: "space.renamed"})
	return nil
}

// ResetSpaceChanges discards staged edits by restoring the remote snapshot.
// A space that was never committed is removed.
func (s *Service) ResetSpaceChanges(spaceID string) {
	s.mu.Lock()
	if rsp, ok := s.remote[spaceID]; ok {
		s.local[spaceID] = rsp.committed()
	} else {
		delete(s.local, spaceID)
	}
	s.mu.Unlock()
	s.notify(Change{SpaceID: spaceID, Kind: "space.reset"})
}

// Clear drops every space, local and remote.
func (s *Service) Clear() {
	s.mu.Lock()
	s.local = map[string]*Space{}
	s.remote = map[string]*Space{}
	s.loading = map[tabRef]struct{}{}
	s.checked = map[tabRef]struct{}{}
	s.mu.Unlock()
	s.notify(Change{Kind: "store.cleared"})
}

// State is the persistable form of the service.
type State struct {
	Local  map[string]Space `json:"local"`
	Remote map[string]Space `json:"remote"`
}

func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := State{
		Local:  make(map[string]Space, len(s.local)),
		Remote: make(map[string]Space, len(s.remote)),
	}
	for id, sp := range s.local {
		out.Local[id] = *sp.clone()
	}
	for id, sp := range s.remote {
		out.Remote[id] = *sp.clone()
	}
	return out
}

// Restore replaces all spaces with a previously taken snapshot.
func (s *Service) Restore(state State) {
	s.mu.Lock()
	s.local = make(map[string]*Space, len(state.Local))
	s.remote = make(map[string]*Space, len(state.Remote))
	for id, sp := range state.Local {
		restored := sp.clone()
		restored.ID = id
		if restored.Tabs == nil {
			restored.Tabs = map[string]TabConfig{}
		}
		s.local[id] = restored
	}
	for id, sp := range state.Remote {
		restored := sp.committed()
		restored.ID = id
		if restored.Tabs == nil {
			restored.Tabs = map[string]TabConfig{}
		}
		s.remote[id] = restored
	}
	s.mu.Unlock()
	s.notify(Change{Kind: "store.restored"})
}
