package draft

import "sync"

type MemoryBackend struct {
	mu  sync.Mutex
	doc *Document
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load() (*Document, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc == nil {
		return nil, nil
	}
	return cloneDocument(b.doc)
}

func (b *MemoryBackend) Save(doc *Document) error {
	if b == nil || doc == nil {
		return nil
	}
	clone, err := cloneDocument(doc)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc = clone
	return nil
}
