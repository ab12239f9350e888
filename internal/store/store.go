package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
)

var (
	// ErrNotConfigured indicates the document store collaborator is unavailable.
	ErrNotConfigured = errors.New("store: not configured")
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrWriteRejected indicates a remote write failed (permission, network or conflict).
	ErrWriteRejected = errors.New("store: write rejected")
	// ErrInvalidAddress indicates an empty namespace or document key.
	ErrInvalidAddress = errors.New("store: invalid document address")
)

// Document is a schemaless record as persisted by the store.
type Document map[string]any

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for key, value := range d {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return map[string]any(Document(typed).Clone())
	case Document:
		return typed.Clone()
	case []any:
		out := make([]any, len(typed))
		for index, item := range typed {
			out[index] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}

// WriteMode selects how a patch is applied to an existing document.
type WriteMode int

const (
	// WriteModeMerge overlays the patch's top-level fields onto the stored document, creating it if absent.
	WriteModeMerge WriteMode = iota
	// WriteModeReplace stores the patch as the whole document.
	WriteModeReplace
)

func (m WriteMode) String() string {
	if m == WriteModeReplace {
		return "replace"
	}
	return "merge"
}

// Entry is one document of a listed collection.
type Entry struct {
	Key      string
	Document Document
}

// ChangeHandler receives the document state after every change. exists is false when the document is absent.
type ChangeHandler func(document Document, exists bool)

// ErrorHandler receives subscription failures.
type ErrorHandler func(err error)

// CancelFunc stops a subscription. It is safe to call more than once.
type CancelFunc func()

// Store is the key-addressed document store consumed by the dashboard core.
// Subscriptions deliver the current state first and then every committed change in commit order.
type Store interface {
	ReadDocument(ctx context.Context, namespace, key string) (Document, error)
	WriteDocument(ctx context.Context, namespace, key string, patch Document, mode WriteMode) error
	SubscribeDocument(ctx context.Context, namespace, key string, onChange ChangeHandler, onError ErrorHandler) (CancelFunc, error)
	ListCollection(ctx context.Context, namespace string) ([]Entry, error)
}

func validateAddress(namespace, key string) error {
	if strings.TrimSpace(namespace) == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidAddress)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidAddress)
	}
	return nil
}

func applyPatch(existing Document, patch Document, mode WriteMode) Document {
	if mode == WriteModeReplace || existing == nil {
		return patch.Clone()
	}
	merged := existing.Clone()
	maps.Copy(merged, patch.Clone())
	return merged
}

func addressOf(namespace, key string) string {
	return namespace + "/" + key
}

func rejected(cause error) error {
	if cause == nil || errors.Is(cause, ErrWriteRejected) {
		return cause
	}
	if errors.Is(cause, ErrNotConfigured) || errors.Is(cause, ErrInvalidAddress) {
		return fmt.Errorf("%w: %w", ErrWriteRejected, cause)
	}
	return fmt.Errorf("%w: %v", ErrWriteRejected, cause)
}

// Unconfigured returns a Store whose every operation fails with ErrNotConfigured.
func Unconfigured() Store {
	return unconfiguredStore{}
}

type unconfiguredStore struct{}

func (unconfiguredStore) ReadDocument(context.Context, string, string) (Document, error) {
	return nil, ErrNotConfigured
}

func (unconfiguredStore) WriteDocument(context.Context, string, string, Document, WriteMode) error {
	return ErrNotConfigured
}

func (unconfiguredStore) SubscribeDocument(context.Context, string, string, ChangeHandler, ErrorHandler) (CancelFunc, error) {
	return nil, ErrNotConfigured
}

func (unconfiguredStore) ListCollection(context.Context, string) ([]Entry, error) {
	return nil, ErrNotConfigured
}
