package navstage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidLabel     = errors.New("invalid navigation label")
	ErrInvalidHref      = errors.New("invalid navigation href")
	ErrDuplicateHref    = errors.New("navigation href already in use")
	ErrUnknownItem      = errors.New("unknown navigation item")
	ErrCommitInProgress = errors.New("navigation commit already in progress")
)

// NotificationsItemID is the id of the synthetic entry the UI injects into
// navigation lists. It is never stored.
const NotificationsItemID = "notifications"

type Item struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	Href         string `json:"href"`
	Icon         string `json:"icon,omitempty"`
	SpaceID      string `json:"spaceId,omitempty"`
	RequiresAuth bool   `json:"requiresAuth,omitempty"`
}

// Config is a community navigation config. Fields other than items are kept
// verbatim so they survive a load and commit round trip.
type Config struct {
	Items []Item
	Extra map[string]json.RawMessage
}

func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+1)
	for key, value := range c.Extra {
		out[key] = value
	}
	items := c.Items
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	out["items"] = raw
	return json.Marshal(out)
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	c.Items = nil
	if raw, ok := fields["items"]; ok {
		if err := json.Unmarshal(raw, &c.Items); err != nil {
			return fmt.Errorf("decode navigation items: %w", err)
		}
		delete(fields, "items")
	}
	c.Extra = fields
	if len(c.Extra) == 0 {
		c.Extra = nil
	}
	return nil
}

func (c Config) clone() Config {
	out := Config{Items: cloneItems(c.Items)}
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for key, value := range c.Extra {
			out.Extra[key] = append(json.RawMessage(nil), value...)
		}
	}
	return out
}

type ItemInput struct {
	Label        string
	Href         string
	Icon         string
	RequiresAuth bool
}

// RenameInput lists the fields to change; nil fields are left alone.
type RenameInput struct {
	Label *string
	Href  *string
	Icon  *string
}

type ProvisionPolicy int

const (
	// PolicyAbort fails the whole commit on the first space registration
	// failure.
	PolicyAbort ProvisionPolicy = iota
	// PolicySkip leaves items whose space could not be registered staged
	// locally and commits the rest.
	PolicySkip
)

func (p ProvisionPolicy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicySkip:
		return "skip"
	default:
		return fmt.Sprintf("ProvisionPolicy(%d)", int(p))
	}
}

func ParseProvisionPolicy(value string) (ProvisionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "abort":
		return PolicyAbort, nil
	case "skip":
		return PolicySkip, nil
	default:
		return PolicyAbort, fmt.Errorf("unknown provision policy %q", value)
	}
}

type SpaceIDMode int

const (
	// ClientGenerated sends the locally allocated space id with the
	// registration request.
	ClientGenerated SpaceIDMode = iota
	// ServerAssigned omits the id and adopts the one the registry returns.
	ServerAssigned
)

func (m SpaceIDMode) String() string {
	switch m {
	case ClientGenerated:
		return "client"
	case ServerAssigned:
		return "server"
	default:
		return fmt.Sprintf("SpaceIDMode(%d)", int(m))
	}
}

func ParseSpaceIDMode(value string) (SpaceIDMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "client":
		return ClientGenerated, nil
	case "server":
		return ServerAssigned, nil
	default:
		return ClientGenerated, fmt.Errorf("unknown space id mode %q", value)
	}
}

// CommitError names the commit step and item that failed.
type CommitError struct {
	Step   string
	ItemID string
	Err    error
}

func (e *CommitError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("commit navigation: %s for item %s: %v", e.Step, e.ItemID, e.Err)
	}
	return fmt.Sprintf("commit navigation: %s: %v", e.Step, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	return append([]Item{}, items...)
}

func withoutNotifications(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ID == NotificationsItemID {
			continue
		}
		out = append(out, item)
	}
	return out
}

func sameItems(a, b []Item) bool {
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

func indexOf(items []Item, id string) int {
	for i, item := range items {
		if item.ID == id {
			return i
		}
	}
	return -1
}
