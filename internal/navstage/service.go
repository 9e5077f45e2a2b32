package navstage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/spacestage/internal/reconcile"
	"github.com/agentworkforce/spacestage/internal/remote"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// SpaceStager is the part of the tab staging store navigation depends on.
type SpaceStager interface {
	CreateLocalSpace(spaceID, defaultTab string) error
	RemoveLocalSpace(spaceID string)
	RenameSpaceID(oldID, newID string) error
	HasUncommittedSpaceChanges(spaceID string) bool
	CommitAllSpaceChanges(ctx context.Context, spaceID string) error
	ResetSpaceChanges(spaceID string)
	EnsureLocalSpace(spaceID string)
	SpaceMeta(spaceID string) remote.SpaceMeta
}

type Options struct {
	Logger          pslog.Logger
	Now             func() time.Time
	ProvisionPolicy ProvisionPolicy
	SpaceIDMode     SpaceIDMode
	// CascadeReset makes Reset also discard staged edits of the spaces
	// bound to committed items.
	CascadeReset   bool
	DefaultTabName string
	// Identity is sent with space registrations.
	Identity string
}

type Service struct {
	client remote.Client
	signer remote.Signer
	spaces SpaceStager
	opts   Options

	mu           sync.Mutex
	local        []Item
	remote       []Item
	remoteConfig Config
	// registered holds the authoritative space id of items whose space was
	// registered by a commit that did not complete.
	registered map[string]string
	committing bool
}

func NewService(client remote.Client, signer remote.Signer, spaces SpaceStager, opts Options) (*Service, error) {
	if client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if spaces == nil {
		return nil, fmt.Errorf("space stager is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.DefaultTabName) == "" {
		opts.DefaultTabName = "Home"
	}
	return &Service{
		client:     client,
		signer:     signer,
		spaces:     spaces,
		opts:       opts,
		local:      []Item{},
		remote:     []Item{},
		registered: map[string]string{},
	}, nil
}

func (s *Service) warn(msg string, keyvals ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Warn(msg, keyvals...)
	}
}

func (s *Service) info(msg string, keyvals ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Info(msg, keyvals...)
	}
}

// LoadConfig adopts a navigation config fetched from the server. Local items
// are only replaced when they hold no uncommitted edits; otherwise items the
// server gained since the last load are appended to the staged list. Every
// loaded item gets a local copy of its space.
func (s *Service) LoadConfig(cfg Config) {
	items := withoutNotifications(cfg.Items)
	s.mu.Lock()
	if sameItems(s.local, s.remote) {
		s.local = cloneItems(items)
	} else {
		for _, item := range items {
			if indexOf(s.remote, item.ID) < 0 && indexOf(s.local, item.ID) < 0 {
				s.local = append(s.local, item)
			}
		}
	}
	s.remote = items
	s.remoteConfig = cfg.clone()
	s.remoteConfig.Items = cloneItems(items)
	s.mu.Unlock()

	for _, item := range items {
		if item.SpaceID != "" {
			s.spaces.EnsureLocalSpace(item.SpaceID)
		}
	}
}

// Load fetches the community's committed navigation config and adopts it
// through LoadConfig. A community without a stored config leaves the
// service untouched.
func (s *Service) Load(ctx context.Context, communityID string) error {
	if strings.TrimSpace(communityID) == "" {
		return fmt.Errorf("community id is required")
	}
	raw, err := s.client.GetNavigationConfig(ctx, communityID)
	if remote.IsNotFound(err) {
		s.info("no navigation config stored", "community", communityID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load navigation for %s: %w", communityID, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decode navigation for %s: %w", communityID, err)
	}
	s.LoadConfig(cfg)
	s.info("navigation loaded", "community", communityID, "items", len(cfg.Items))
	return nil
}

func (s *Service) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.local)
}

func (s *Service) RemoteItems() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.remote)
}

// RemoteConfig returns the last committed or loaded config envelope.
func (s *Service) RemoteConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteConfig.clone()
}

func (s *Service) IsCommitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committing
}

func labelsExcept(items []Item, skip int) []string {
	labels := make([]string, 0, len(items))
	for i, item := range items {
		if i != skip {
			labels = append(labels, item.Label)
		}
	}
	return labels
}

func hrefTakenExcept(items []Item, skip int) func(string) bool {
	return func(href string) bool {
		for i, item := range items {
			if i != skip && item.Href == href {
				return true
			}
		}
		return false
	}
}

func validateLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if err := reconcile.ValidateLabel(label); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLabel, err)
	}
	return label, nil
}

func validateHref(href string, taken func(string) bool) (string, error) {
	href = strings.TrimSpace(href)
	if err := reconcile.ValidateHref(href); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHref, err)
	}
	if taken(href) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateHref, href)
	}
	return href, nil
}

// CreateItem adds a navigation item together with a fresh local space
// holding one default tab. A taken label is suffixed; an explicit href that
// is invalid or taken fails the call without changing anything.
func (s *Service) CreateItem(in ItemInput) (Item, error) {
	label, err := validateLabel(in.Label)
	if err != nil {
		return Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	label = reconcile.UniqueLabel(label, labelsExcept(s.local, -1))
	taken := hrefTakenExcept(s.local, -1)
	href := ""
	if strings.TrimSpace(in.Href) != "" {
		if href, err = validateHref(in.Href, taken); err != nil {
			return Item{}, err
		}
	} else {
		href = reconcile.UniqueHref(label, taken, s.opts.Now())
	}

	item := Item{
		ID:           uuid.NewString(),
		Label:        label,
		Href:         href,
		Icon:         in.Icon,
		SpaceID:      uuid.NewString(),
		RequiresAuth: in.RequiresAuth,
	}
	if err := s.spaces.CreateLocalSpace(item.SpaceID, s.opts.DefaultTabName); err != nil {
		return Item{}, fmt.Errorf("create space for %q: %w", label, err)
	}
	s.local = append(s.local, item)
	return item, nil
}

// RenameItem updates an item and returns its resulting href. Without an
// explicit href a label change regenerates the href from the new label.
func (s *Service) RenameItem(id string, in RenameInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.local, id)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	next := s.local[idx]

	labelChanged := false
	if in.Label != nil {
		label, err := validateLabel(*in.Label)
		if err != nil {
			return "", err
		}
		if label != next.Label {
			next.Label = reconcile.UniqueLabel(label, labelsExcept(s.local, idx))
			labelChanged = true
		}
	}
	taken := hrefTakenExcept(s.local, idx)
	switch {
	case in.Href != nil && strings.TrimSpace(*in.Href) != "":
		href, err := validateHref(*in.Href, taken)
		if err != nil {
			return "", err
		}
		next.Href = href
	case labelChanged:
		next.Href = reconcile.UniqueHref(next.Label, taken, s.opts.Now())
	}
	if in.Icon != nil {
		next.Icon = *in.Icon
	}
	s.local[idx] = next
	return next.Href, nil
}

// DeleteItem removes an item and the local copy of its space. Removing the
// space server side is left to the navigation config endpoint.
func (s *Service) DeleteItem(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.local, id)
	if idx < 0 {
		s.warn("delete of unknown navigation item", "item", id)
		return
	}
	item := s.local[idx]
	s.local = append(s.local[:idx:idx], s.local[idx+1:]...)
	delete(s.registered, id)
	if item.SpaceID != "" {
		s.spaces.RemoveLocalSpace(item.SpaceID)
	}
}

// UpdateOrder replaces the local item list with a reordered one.
func (s *Service) UpdateOrder(items []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = withoutNotifications(items)
}

// HasUncommittedChanges reports navigation list edits and staged edits in
// any space bound to a local item.
func (s *Service) HasUncommittedChanges() bool {
	s.mu.Lock()
	local := cloneItems(s.local)
	dirty := !sameItems(s.local, s.remote)
	s.mu.Unlock()
	if dirty {
		return true
	}
	for _, item := range local {
		if item.SpaceID != "" && s.spaces.HasUncommittedSpaceChanges(item.SpaceID) {
			return true
		}
	}
	return false
}

// Reset discards local navigation edits. Spaces of items that were never
// committed are dropped; with CascadeReset the spaces of committed items are
// reset too. Every restored item keeps a local copy of its space.
func (s *Service) Reset() {
	s.mu.Lock()
	discarded := make([]Item, 0)
	for _, item := range s.local {
		if indexOf(s.remote, item.ID) < 0 {
			discarded = append(discarded, item)
			delete(s.registered, item.ID)
		}
	}
	s.local = cloneItems(s.remote)
	kept := cloneItems(s.remote)
	s.mu.Unlock()

	for _, item := range discarded {
		if item.SpaceID != "" {
			s.spaces.RemoveLocalSpace(item.SpaceID)
		}
	}
	for _, item := range kept {
		if item.SpaceID == "" {
			continue
		}
		if s.opts.CascadeReset {
			s.spaces.ResetSpaceChanges(item.SpaceID)
		}
		s.spaces.EnsureLocalSpace(item.SpaceID)
	}
}

// State is the persistable form of the service.
type State struct {
	Local        []Item            `json:"local"`
	Remote       []Item            `json:"remote"`
	RemoteConfig Config            `json:"remoteConfig"`
	Registered   map[string]string `json:"registered,omitempty"`
}

func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	registered := make(map[string]string, len(s.registered))
	for id, spaceID := range s.registered {
		registered[id] = spaceID
	}
	return State{
		Local:        cloneItems(s.local),
		Remote:       cloneItems(s.remote),
		RemoteConfig: s.remoteConfig.clone(),
		Registered:   registered,
	}
}

func (s *Service) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = withoutNotifications(state.Local)
	s.remote = withoutNotifications(state.Remote)
	s.remoteConfig = state.RemoteConfig.clone()
	s.registered = map[string]string{}
	for id, spaceID := range state.Registered {
		s.registered[id] = spaceID
	}
}
