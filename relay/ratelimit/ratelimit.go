// SPDX-FileCopyrightText: Copyright (C) 2026 The Caesar-Transfer Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratelimit throttles join attempts per remote address so that
// guessing a transfer name online against the relay is expensive.
// Counters are persisted to a go.etcd.io/bbolt database, encoded with
// github.com/fxamacker/cbor/v2, so a relay restart does not reset an
// attacker's budget for free.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("join_attempts")

// record is the persisted state for one source address.
type record struct {
	WindowStart int64 `cbor:"w"`
	Count       int   `cbor:"c"`
}

// Limiter enforces a fixed number of join attempts per address per
// fixed window: the window starts at an address's first attempt and the
// count resets once the window has elapsed.
type Limiter struct {
	db     *bolt.DB
	limit  int
	window time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// Open opens (creating if necessary) a bbolt-backed limiter at path,
// allowing up to limit join attempts per address within window.
func Open(path string, limit int, window time.Duration) (*Limiter, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("ratelimit: init bucket: %w", err)
	}
	return &Limiter{db: db, limit: limit, window: window, now: time.Now}, nil
}

func (l *Limiter) Close() error {
	return l.db.Close()
}

// Allow records one join attempt from addr and reports whether it is
// within the configured limit.
func (l *Limiter) Allow(addr string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	allowed := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		rec := record{WindowStart: now.Unix(), Count: 0}
		if raw := b.Get([]byte(addr)); raw != nil {
			if err := cbor.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if now.Sub(time.Unix(rec.WindowStart, 0)) > l.window {
				rec = record{WindowStart: now.Unix(), Count: 0}
			}
		}

		if rec.Count >= l.limit {
			allowed = false
			return nil
		}
		rec.Count++
		allowed = true

		encoded, err := cbor.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return b.Put([]byte(addr), encoded)
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: allow: %w", err)
	}
	return allowed, nil
}
