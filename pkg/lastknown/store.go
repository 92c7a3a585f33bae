package lastknown

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/locationd/pkg/gps"
	"github.com/markus-lassfolk/locationd/pkg/logx"
)

const (
	fixesBucket = "fixes"
	latestKey   = "latest"
)

// ErrNotFound means no fix has been saved yet
var ErrNotFound = errors.New("no last known fix")

// Store persists the most recent accepted fix, overall and per provider,
// so it survives daemon restarts
type Store struct {
	db     *bolt.DB
	logger *logx.Logger
}

func Open(path string, logger *logx.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create last-known directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open last-known database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(fixesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize last-known bucket: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Save records fix as the latest overall and for its provider. Invalid
// fixes and fixes older than the stored one are ignored.
func (s *Store) Save(fix *gps.PositionFix) error {
	if !fix.Valid() {
		return nil
	}
	data, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to marshal fix: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(fixesBucket))
		if prev := b.Get([]byte(latestKey)); prev != nil {
			var old gps.PositionFix
			if json.Unmarshal(prev, &old) == nil && old.Timestamp.After(fix.Timestamp) {
				return nil
			}
		}
		if err := b.Put([]byte(latestKey), data); err != nil {
			return err
		}
		return b.Put([]byte(fix.Provider.String()), data)
	})
}

// Load returns the latest fix marked as last-known
func (s *Store) Load() (*gps.PositionFix, error) {
	return s.get(latestKey)
}

// LoadProvider returns the latest fix a given provider produced
func (s *Store) LoadProvider(p gps.Provider) (*gps.PositionFix, error) {
	return s.get(p.String())
}

func (s *Store) get(key string) (*gps.PositionFix, error) {
	var fix *gps.PositionFix
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(fixesBucket)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		fix = &gps.PositionFix{}
		return json.Unmarshal(data, fix)
	})
	if err != nil {
		return nil, err
	}
	fix.LastKnown = true
	return fix, nil
}

// Record saves every fix the coordinator announces until events closes
func (s *Store) Record(events <-chan gps.Event) {
	for ev := range events {
		if ev.Fix == nil || (ev.Type != gps.EventPositionUpdate && ev.Type != gps.EventServiceCompleted) {
			continue
		}
		if err := s.Save(ev.Fix); err != nil {
			s.logger.Warn("last_known_save_failed", "error", err)
		}
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
