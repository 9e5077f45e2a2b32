package draft

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrUnsupportedVersion = errors.New("unsupported draft version")
)

const CurrentVersion = 1

// Document is the persisted form of staged local state. Tabs and Navigation
// hold the snapshots of the two staging services.
type Document struct {
	Version    int             `json:"version"`
	SavedAt    time.Time       `json:"savedAt"`
	Tabs       json.RawMessage `json:"tabs,omitempty"`
	Navigation json.RawMessage `json:"navigation,omitempty"`
}

// Backend stores a single draft document. Load returns nil when nothing was
// saved yet.
type Backend interface {
	Load() (*Document, error)
	Save(doc *Document) error
}

type backendCloser interface {
	Close() error
}

// Close releases resources held by backends that keep connections open.
func Close(backend Backend) error {
	if closer, ok := backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

// Encode builds a document from the two service snapshots.
func Encode(tabs, navigation any, now time.Time) (*Document, error) {
	tabsRaw, err := json.Marshal(tabs)
	if err != nil {
		return nil, fmt.Errorf("encode tab state: %w", err)
	}
	navRaw, err := json.Marshal(navigation)
	if err != nil {
		return nil, fmt.Errorf("encode navigation state: %w", err)
	}
	return &Document{
		Version:    CurrentVersion,
		SavedAt:    now.UTC(),
		Tabs:       tabsRaw,
		Navigation: navRaw,
	}, nil
}

// Decode unmarshals the snapshots held by doc. Empty sections are skipped.
func (d *Document) Decode(tabs, navigation any) error {
	if d == nil {
		return ErrInvalidInput
	}
	if d.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, d.Version)
	}
	if len(d.Tabs) > 0 && tabs != nil {
		if err := json.Unmarshal(d.Tabs, tabs); err != nil {
			return fmt.Errorf("decode tab state: %w", err)
		}
	}
	if len(d.Navigation) > 0 && navigation != nil {
		if err := json.Unmarshal(d.Navigation, navigation); err != nil {
			return fmt.Errorf("decode navigation state: %w", err)
		}
	}
	return nil
}

func cloneDocument(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var clone Document
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
