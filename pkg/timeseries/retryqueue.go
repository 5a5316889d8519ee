// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package timeseries

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/meterview/meterview/pkg/reading"
)

var retryBucket = []byte("pending_points")

// retryQueue persists readings whose primary store write failed, in order,
// so they survive restarts and can be replayed once the store recovers.
type retryQueue struct {
	db *bolt.DB
}

func openRetryQueue(root string) (*retryQueue, error) {
	db, err := bolt.Open(filepath.Join(root, "logs", "ts_retry.db"), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open retry queue: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &retryQueue{db: db}, nil
}

func (q *retryQueue) close() error {
	return q.db.Close()
}

// key orders entries per meter by timestamp, so replay preserves the
// per-meter write order the store requires.
func (q *retryQueue) key(r *reading.Reading) []byte {
	return []byte(fmt.Sprintf("%s|%020d", r.MeterName, r.Timestamp.UnixNano()))
}

func (q *retryQueue) enqueue(r *reading.Reading) error {
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(retryBucket).Put(q.key(r), val)
	})
}

// pending returns the queued readings in key order. An undecodable value
// can never replay, so it is deleted rather than re-scanned on every tick.
func (q *retryQueue) pending() ([]reading.Reading, error) {
	var out []reading.Reading
	err := q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(retryBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r reading.Reading
			if err := json.Unmarshal(v, &r); err != nil {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (q *retryQueue) remove(r *reading.Reading) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(retryBucket).Delete(q.key(r))
	})
}

func (q *retryQueue) size() int {
	n := 0
	q.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		n = tx.Bucket(retryBucket).Stats().KeyN
		return nil
	})
	return n
}
