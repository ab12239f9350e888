package store

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps documents in process. It backs tests and single-node demos.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Document
	hub        *changeHub
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string]Document),
		hub:        newChangeHub(),
	}
}

func (s *MemoryStore) ReadDocument(ctx context.Context, namespace, key string) (Document, error) {
	if err := validateAddress(namespace, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	document, ok := s.namespaces[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return document.Clone(), nil
}

func (s *MemoryStore) WriteDocument(ctx context.Context, namespace, key string, patch Document, mode WriteMode) error {
	if err := validateAddress(namespace, key); err != nil {
		return rejected(err)
	}
	if err := ctx.Err(); err != nil {
		return rejected(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	documents, ok := s.namespaces[namespace]
	if !ok {
		documents = make(map[string]Document)
		s.namespaces[namespace] = documents
	}
	updated := applyPatch(documents[key], patch, mode)
	documents[key] = updated
	s.hub.publish(addressOf(namespace, key), changeEvent{document: updated, exists: true})
	return nil
}

func (s *MemoryStore) SubscribeDocument(ctx context.Context, namespace, key string, onChange ChangeHandler, onError ErrorHandler) (CancelFunc, error) {
	if err := validateAddress(namespace, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	document, exists := s.namespaces[namespace][key]
	w := s.hub.register(addressOf(namespace, key), changeEvent{document: document.Clone(), exists: exists}, onChange)
	s.mu.RUnlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.hub.unregister(w) })
	}, nil
}

func (s *MemoryStore) ListCollection(ctx context.Context, namespace string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	documents := s.namespaces[namespace]
	keys := make([]string, 0, len(documents))
	for key := range documents {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, Entry{Key: key, Document: documents[key].Clone()})
	}
	return entries, nil
}

// Seed stores a document without notifying subscribers. Intended for fixtures.
func (s *MemoryStore) Seed(namespace, key string, document Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	documents, ok := s.namespaces[namespace]
	if !ok {
		documents = make(map[string]Document)
		s.namespaces[namespace] = documents
	}
	documents[key] = document.Clone()
}

// WatcherCount reports the live watchers registered on a document.
func (s *MemoryStore) WatcherCount(namespace, key string) int {
	return s.hub.watcherCount(addressOf(namespace, key))
}
