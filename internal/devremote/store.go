package devremote

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/spacestage/internal/remote"
	"github.com/oklog/ulid/v2"
	"pkt.systems/pslog"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrSignature    = errors.New("signature rejected")
	ErrConflict     = errors.New("conflict")
)

type StoreOptions struct {
	// AssignSpaceIDs makes the registry ignore requested ids and allocate
	// its own.
	AssignSpaceIDs bool
	// SkipVerify accepts envelopes without checking their signature.
	SkipVerify bool
	Logger     pslog.Logger
	Now        func() time.Time
}

type spaceRecord struct {
	Registration remote.SpaceRegistrationRequest `json:"registration"`
	Tabs         map[string]remote.SignedEnvelope `json:"tabs"`
	Order        *remote.SignedEnvelope           `json:"order,omitempty"`
}

// Store is an in-memory implementation of the remote persistence API. It
// keeps the signed envelopes exactly as submitted.
type Store struct {
	opts StoreOptions

	mu         sync.RWMutex
	spaces     map[string]*spaceRecord
	navigation map[string]remote.SignedEnvelope
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:       opts,
		spaces:     map[string]*spaceRecord{},
		navigation: map[string]remote.SignedEnvelope{},
	}
}

func (s *Store) logWarn(msg string, keyvals ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Warn(msg, keyvals...)
	}
}

func (s *Store) logDebug(msg string, keyvals ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Debug(msg, keyvals...)
	}
}

func (s *Store) open(env remote.SignedEnvelope, out any) error {
	if !s.opts.SkipVerify {
		if err := remote.VerifyEnvelope(env); err != nil {
			s.logWarn("envelope rejected", "err", err)
			return fmt.Errorf("%w: %v", ErrSignature, err)
		}
	}
	if err := remote.DecodePayload(env, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (s *Store) ensureSpaceLocked(spaceID string) *spaceRecord {
	rec, ok := s.spaces[spaceID]
	if !ok {
		rec = &spaceRecord{Tabs: map[string]remote.SignedEnvelope{}}
		s.spaces[spaceID] = rec
	}
	return rec
}

func (s *Store) GetTab(spaceID, key string) (remote.SignedEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spaces[spaceID]
	if !ok {
		return remote.SignedEnvelope{}, ErrNotFound
	}
	env, ok := rec.Tabs[key]
	if !ok {
		return remote.SignedEnvelope{}, ErrNotFound
	}
	return env, nil
}

// PutTab stores a tab under the name carried in its payload. When that name
// differs from key the tab previously stored under key is removed, which is
// how renames are committed.
func (s *Store) PutTab(spaceID, key string, env remote.SignedEnvelope) error {
	if strings.TrimSpace(spaceID) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := remote.ValidateTabFile(env.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var file remote.TabFile
	if err := s.open(env, &file); err != nil {
		return err
	}
	if file.SpaceID != spaceID {
		return fmt.Errorf("%w: payload space %q does not match %q", ErrInvalidInput, file.SpaceID, spaceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensureSpaceLocked(spaceID)
	if file.Name != key {
		delete(rec.Tabs, key)
		s.logDebug("tab moved", "space", spaceID, "from", key, "to", file.Name)
	}
	rec.Tabs[file.Name] = env
	return nil
}

func (s *Store) DeleteTab(spaceID, key string, env remote.SignedEnvelope) error {
	var deletion remote.TabDeletion
	if err := s.open(env, &deletion); err != nil {
		return err
	}
	if deletion.SpaceID != spaceID || deletion.Key != key {
		return fmt.Errorf("%w: deletion payload does not match %s/%s", ErrInvalidInput, spaceID, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.spaces[spaceID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := rec.Tabs[key]; !ok {
		return ErrNotFound
	}
	delete(rec.Tabs, key)
	return nil
}

func (s *Store) GetOrder(spaceID string) (remote.SignedEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spaces[spaceID]
	if !ok || rec.Order == nil {
		return remote.SignedEnvelope{}, ErrNotFound
	}
	return *rec.Order, nil
}

func (s *Store) PutOrder(spaceID string, env remote.SignedEnvelope) error {
	var order remote.TabOrder
	if err := s.open(env, &order); err != nil {
		return err
	}
	if order.SpaceID != spaceID {
		return fmt.Errorf("%w: payload space %q does not match %q", ErrInvalidInput, order.SpaceID, spaceID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensureSpaceLocked(spaceID)
	rec.Order = &env
	return nil
}

// RegisterSpace records a space in the registry. Requested ids are honoured
// unless the store assigns its own; registering an id twice for a different
// navigation item is a conflict. A navigation item already holding a space
// gets that space back, so repeated registrations never create a second one.
func (s *Store) RegisterSpace(env remote.SignedEnvelope) (remote.SpaceRegistration, error) {
	var req remote.SpaceRegistrationRequest
	if err := s.open(env, &req); err != nil {
		return remote.SpaceRegistration{}, err
	}
	if strings.TrimSpace(req.SpaceName) == "" {
		return remote.SpaceRegistration{}, fmt.Errorf("%w: spaceName is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.spaceForItemLocked(req.CommunityID, req.NavItemID); ok {
		return remote.SpaceRegistration{SpaceID: existing}, nil
	}
	spaceID := strings.TrimSpace(req.SpaceID)
	if s.opts.AssignSpaceIDs || spaceID == "" {
		spaceID = "space_" + strings.ToLower(ulid.Make().String())
	}
	if rec, ok := s.spaces[spaceID]; ok && rec.Registration.SpaceName != "" {
		if rec.Registration.NavItemID != req.NavItemID {
			return remote.SpaceRegistration{}, fmt.Errorf("%w: space %s already registered", ErrConflict, spaceID)
		}
		return remote.SpaceRegistration{SpaceID: spaceID}, nil
	}
	rec := s.ensureSpaceLocked(spaceID)
	req.SpaceID = spaceID
	rec.Registration = req
	return remote.SpaceRegistration{SpaceID: spaceID}, nil
}

func (s *Store) spaceForItemLocked(communityID, navItemID string) (string, bool) {
	if strings.TrimSpace(navItemID) == "" {
		return "", false
	}
	for id, rec := range s.spaces {
		if rec.Registration.NavItemID == navItemID && rec.Registration.CommunityID == communityID {
			return id, true
		}
	}
	return "", false
}

func (s *Store) PutNavigationConfig(env remote.SignedEnvelope) error {
	var update remote.NavigationConfigUpdate
	if err := s.open(env, &update); err != nil {
		return err
	}
	if strings.TrimSpace(update.CommunityID) == "" {
		return fmt.Errorf("%w: communityId is required", ErrInvalidInput)
	}
	if err := remote.ValidateNavigationConfig(update.NavigationConfig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigation[update.CommunityID] = env
	return nil
}

// NavigationConfig returns the last navigation config stored for a community.
func (s *Store) NavigationConfig(communityID string) (json.RawMessage, error) {
	s.mu.RLock()
	env, ok := s.navigation[communityID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var update remote.NavigationConfigUpdate
	if err := remote.DecodePayload(env, &update); err != nil {
		return nil, err
	}
	return update.NavigationConfig, nil
}

// TabKeys lists the keys stored for a space.
func (s *Store) TabKeys(spaceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spaces[spaceID]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(rec.Tabs))
	for key := range rec.Tabs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Registration returns the registry entry for a space.
func (s *Store) Registration(spaceID string) (remote.SpaceRegistrationRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spaces[spaceID]
	if !ok || rec.Registration.SpaceName == "" {
		return remote.SpaceRegistrationRequest{}, false
	}
	return rec.Registration, true
}
