package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("store: database handle is required")

// DocumentRecord is the persisted row behind SQLiteStore.
type DocumentRecord struct {
	Namespace        string `gorm:"column:namespace;primaryKey;size:190;not null"`
	DocumentKey      string `gorm:"column:doc_key;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "store_documents"
}

// SQLiteStoreConfig describes the dependencies of a SQLiteStore.
type SQLiteStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLiteStore persists documents through GORM. Change notifications are delivered to
// subscribers of the same process after each commit.
type SQLiteStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	hub    *changeHub

	// commitMu orders commits with their notifications and with subscription snapshots.
	commitMu sync.Mutex
}

// NewSQLiteStore constructs a store over an already migrated database.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		hub:    newChangeHub(),
	}, nil
}

func (s *SQLiteStore) ReadDocument(ctx context.Context, namespace, key string) (Document, error) {
	if err := validateAddress(namespace, key); err != nil {
		return nil, err
	}
	document, exists, err := s.load(s.db.WithContext(ctx), namespace, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return document, nil
}

func (s *SQLiteStore) WriteDocument(ctx context.Context, namespace, key string, patch Document, mode WriteMode) error {
	if err := validateAddress(namespace, key); err != nil {
		return rejected(err)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var committed Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record DocumentRecord
		existing, exists, err := s.loadRecord(tx, namespace, key, &record)
		if err != nil {
			return err
		}
		updated := applyPatch(existing, patch, mode)
		payload, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("encode document: %w", err)
		}
		version := int64(1)
		if exists {
			version = record.Version + 1
		}
		row := DocumentRecord{
			Namespace:        namespace,
			DocumentKey:      key,
			PayloadJSON:      string(payload),
			Version:          version,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		committed, err = decodeDocument(row.PayloadJSON)
		return err
	})
	if err != nil {
		s.logger.Warn("document write failed",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.String("mode", mode.String()),
			zap.Error(err))
		return rejected(err)
	}

	s.hub.publish(addressOf(namespace, key), changeEvent{document: committed, exists: true})
	return nil
}

func (s *SQLiteStore) SubscribeDocument(ctx context.Context, namespace, key string, onChange ChangeHandler, onError ErrorHandler) (CancelFunc, error) {
	if err := validateAddress(namespace, key); err != nil {
		return nil, err
	}

	s.commitMu.Lock()
	document, exists, err := s.load(s.db.WithContext(ctx), namespace, key)
	if err != nil {
		s.commitMu.Unlock()
		if onError != nil {
			onError(err)
		}
		return nil, err
	}
	w := s.hub.register(addressOf(namespace, key), changeEvent{document: document, exists: exists}, onChange)
	s.commitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.hub.unregister(w) })
	}, nil
}

func (s *SQLiteStore) ListCollection(ctx context.Context, namespace string) ([]Entry, error) {
	var records []DocumentRecord
	if err := s.db.WithContext(ctx).
		Where("namespace = ?", namespace).
		Order("doc_key ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		document, err := decodeDocument(record.PayloadJSON)
		if err != nil {
			s.logger.Warn("skipping undecodable document",
				zap.String("namespace", namespace),
				zap.String("key", record.DocumentKey),
				zap.Error(err))
			continue
		}
		entries = append(entries, Entry{Key: record.DocumentKey, Document: document})
	}
	return entries, nil
}

func (s *SQLiteStore) load(db *gorm.DB, namespace, key string) (Document, bool, error) {
	var record DocumentRecord
	return s.loadRecord(db, namespace, key, &record)
}

func (s *SQLiteStore) loadRecord(db *gorm.DB, namespace, key string, record *DocumentRecord) (Document, bool, error) {
	err := db.Where("namespace = ? AND doc_key = ?", namespace, key).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	document, err := decodeDocument(record.PayloadJSON)
	if err != nil {
		return nil, false, err
	}
	return document, true, nil
}

func decodeDocument(payload string) (Document, error) {
	document := Document{}
	if payload == "" {
		return document, nil
	}
	if err := json.Unmarshal([]byte(payload), &document); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return document, nil
}
