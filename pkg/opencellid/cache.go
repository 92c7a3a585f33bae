package opencellid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	cellsBucket  = "cells"
	missesBucket = "misses"
)

type cacheEntry struct {
	Location *CellLocation `json:"location,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Expires  time.Time     `json:"expires"`
}

// Cache keeps resolved and unknown cells across restarts so a stationary
// router spends one lookup per cell
type Cache struct {
	db *bolt.DB
}

func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cell cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cell cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{cellsBucket, missesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cell cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached location of key. missed is true while a recent
// lookup found nothing for it. Expired entries read as absent.
func (c *Cache) Get(key string, now time.Time) (loc *CellLocation, missed bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		if e, ok := read(tx, cellsBucket, key); ok && now.Before(e.Expires) {
			loc = e.Location
			return nil
		}
		if e, ok := read(tx, missesBucket, key); ok && now.Before(e.Expires) {
			missed = true
		}
		return nil
	})
	return loc, missed, err
}

func (c *Cache) Put(key string, loc *CellLocation, expires time.Time) error {
	return c.write(key, cellsBucket, missesBucket, cacheEntry{Location: loc, Expires: expires})
}

func (c *Cache) PutMiss(key, reason string, expires time.Time) error {
	return c.write(key, missesBucket, cellsBucket, cacheEntry{Reason: reason, Expires: expires})
}

func (c *Cache) write(key, bucket, other string, e cacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(other)).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

// Prune drops expired entries and returns how many were removed
func (c *Cache) Prune(now time.Time) (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{cellsBucket, missesBucket} {
			b := tx.Bucket([]byte(name))
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var e cacheEntry
				if json.Unmarshal(v, &e) != nil || !now.Before(e.Expires) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
		}
		return nil
	})
	return removed, err
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func read(tx *bolt.Tx, bucket, key string) (cacheEntry, bool) {
	var e cacheEntry
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil || json.Unmarshal(data, &e) != nil {
		return e, false
	}
	return e, true
}
