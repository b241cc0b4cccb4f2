package idempotency

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wesign/a2a-fabric/internal/clock"
)

var bucketSeen = []byte("seen")

// Bolt is a durable Store backed by BoltDB. Values are expiry instants in
// RFC3339Nano; expired entries are skipped on read and removed by Sweep.
type Bolt struct {
	db  *bolt.DB
	clk clock.Clock
}

// OpenBolt creates or opens a BoltDB idempotency store at the given path.
func OpenBolt(path string, clk clock.Clock) (*Bolt, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSeen)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create seen bucket: %w", err)
	}
	return &Bolt{db: db, clk: clk}, nil
}

func (b *Bolt) Seen(_ context.Context, key string) (bool, error) {
	var seen bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSeen).Get([]byte(key))
		if v == nil {
			return nil
		}
		expiry, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			// Corrupt entry -- treat as unseen; Sweep will remove it.
			return nil
		}
		seen = !b.clk.Now().After(expiry)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read seen key: %w", err)
	}
	return seen, nil
}

func (b *Bolt) MarkSeen(_ context.Context, key string, ttl time.Duration) error {
	expiry := b.clk.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSeen).Put([]byte(key), []byte(expiry))
	})
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// Sweep removes expired and corrupt entries. Returns the number removed.
// Safe to run periodically alongside readers.
func (b *Bolt) Sweep(_ context.Context) (int, error) {
	now := b.clk.Now()
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSeen)
		c := bkt.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			expiry, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil || now.After(expiry) {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep seen keys: %w", err)
	}
	return removed, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
