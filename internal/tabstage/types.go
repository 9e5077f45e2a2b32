package tabstage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/spacestage/internal/remote"
)

var (
	ErrInvalidTabName   = errors.New("invalid tab name")
	ErrCommitInProgress = errors.New("commit already in progress")
	ErrSpaceExists      = errors.New("space already exists")
	ErrUnknownSpace     = errors.New("unknown space")
	ErrUnknownTab       = errors.New("unknown tab")
)

// DefaultTabName is used when a requested name cannot be used at all.
const DefaultTabName = "Tab"

var defaultTabConfig = json.RawMessage(`{"layoutID":"grid","layoutDetails":{"layoutConfig":{"layout":[]}},"fidgetInstanceDatums":{},"theme":{}}`)

// DefaultConfig returns the configuration given to freshly created tabs.
func DefaultConfig() json.RawMessage {
	return append(json.RawMessage(nil), defaultTabConfig...)
}

type TabConfig struct {
	Config    json.RawMessage `json:"config"`
	Timestamp time.Time       `json:"timestamp"`
	IsPrivate bool            `json:"isPrivate,omitempty"`
}

func (c TabConfig) clone() TabConfig {
	c.Config = append(json.RawMessage(nil), c.Config...)
	return c
}

func (c TabConfig) sameContent(other TabConfig) bool {
	return c.IsPrivate == other.IsPrivate && string(c.Config) == string(other.Config)
}

// SpaceMeta associates a space with the entity it was created for. It is
// sent along when the space is registered.
type SpaceMeta = remote.SpaceMeta

// Space is one copy (local or remote) of a space. Remote copies never carry
// RenamedFrom or DeletedKeys.
type Space struct {
	ID             string               `json:"id"`
	Order          []string             `json:"order"`
	OrderUpdatedAt time.Time            `json:"orderUpdatedAt,omitempty"`
	Tabs           map[string]TabConfig `json:"tabs"`
	Meta           SpaceMeta            `json:"meta,omitempty"`
	// RenamedFrom maps a tab name to the storage key its committed content
	// still lives under.
	RenamedFrom map[string]string `json:"renamedFrom,omitempty"`
	DeletedKeys []string          `json:"deletedKeys,omitempty"`
}

func newSpace(id string) *Space {
	return &Space{
		ID:          id,
		Order:       []string{},
		Tabs:        map[string]TabConfig{},
		RenamedFrom: map[string]string{},
	}
}

func (s *Space) clone() *Space {
	if s == nil {
		return nil
	}
	out := &Space{
		ID:             s.ID,
		Order:          append([]string{}, s.Order...),
		OrderUpdatedAt: s.OrderUpdatedAt,
		Tabs:           make(map[string]TabConfig, len(s.Tabs)),
		Meta:           s.Meta,
		RenamedFrom:    make(map[string]string, len(s.RenamedFrom)),
		DeletedKeys:    append([]string(nil), s.DeletedKeys...),
	}
	for name, cfg := range s.Tabs {
		out.Tabs[name] = cfg.clone()
	}
	for name, key := range s.RenamedFrom {
		out.RenamedFrom[name] = key
	}
	return out
}

// committed returns the copy that is folded into the remote snapshot.
func (s *Space) committed() *Space {
	out := s.clone()
	out.RenamedFrom = map[string]string{}
	out.DeletedKeys = nil
	return out
}

func (s *Space) hasTab(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Tabs[name]
	return ok
}

func (s *Space) hasDeleted(key string) bool {
	for _, k := range s.DeletedKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Space) dropDeleted(key string) {
	kept := s.DeletedKeys[:0]
	for _, k := range s.DeletedKeys {
		if k != key {
			kept = append(kept, k)
		}
	}
	s.DeletedKeys = kept
}

// claimedBy returns the tab whose pending rename still points at key.
func (s *Space) claimedBy(key string) (string, bool) {
	for name, from := range s.RenamedFrom {
		if from == key {
			return name, true
		}
	}
	return "", false
}

// normalizedOrder returns Order restricted to existing tabs, without
// duplicates, followed by any tabs Order does not mention.
func (s *Space) normalizedOrder() []string {
	out := make([]string, 0, len(s.Tabs))
	seen := make(map[string]struct{}, len(s.Tabs))
	for _, name := range s.Order {
		if _, ok := s.Tabs[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	var missing []string
	for name := range s.Tabs {
		if _, ok := seen[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return append(out, missing...)
}

type TabStatus int

const (
	TabNew TabStatus = iota
	TabStable
	TabPendingRename
	TabPendingDelete
)

func (s TabStatus) String() string {
	switch s {
	case TabNew:
		return "new"
	case TabStable:
		return "stable"
	case TabPendingRename:
		return "pending_rename"
	case TabPendingDelete:
		return "pending_delete"
	default:
		return fmt.Sprintf("TabStatus(%d)", int(s))
	}
}

// TabChange is the staged status of one tab or storage key.
//
//	TabNew:           Name set, Key empty
//	TabStable:        Name == Key
//	TabPendingRename: Key is the old storage key, Name the new logical name
//	TabPendingDelete: Key set, Name empty
type TabChange struct {
	Status TabStatus
	Name   string
	Key    string
}

// classify derives the staged status of every tab of local against the
// remote snapshot.
func classify(local, remote *Space) []TabChange {
	changes := make([]TabChange, 0, len(local.Tabs)+len(local.DeletedKeys))
	for name := range local.Tabs {
		from, renamed := local.RenamedFrom[name]
		switch {
		case renamed && from != name:
			changes = append(changes, TabChange{Status: TabPendingRename, Name: name, Key: from})
		case remote.hasTab(name):
			changes = append(changes, TabChange{Status: TabStable, Name: name, Key: name})
		default:
			changes = append(changes, TabChange{Status: TabNew, Name: name})
		}
	}
	for _, key := range local.DeletedKeys {
		changes = append(changes, TabChange{Status: TabPendingDelete, Key: key})
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Status != changes[j].Status {
			return changes[i].Status < changes[j].Status
		}
		if changes[i].Name != changes[j].Name {
			return changes[i].Name < changes[j].Name
		}
		return changes[i].Key < changes[j].Key
	})
	return changes
}

// CommitError names the commit step that failed.
type CommitError struct {
	SpaceID string
	Step    string
	Key     string
	Err     error
}

func (e *CommitError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("commit space %s: %s %q: %v", e.SpaceID, e.Step, e.Key, e.Err)
	}
	return fmt.Sprintf("commit space %s: %s: %v", e.SpaceID, e.Step, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Change is emitted to subscribers after every state transition.
type Change struct {
	SpaceID string `json:"spaceId"`
	Tab     string `json:"tab,omitempty"`
	Kind    string `json:"kind"`
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
