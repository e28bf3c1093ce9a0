package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var kvBucket = []byte("statehub")

// Bolt stores keys in a single bbolt bucket.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a Bolt backend.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) a bbolt database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	db.NoSync = b.noSync

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	b.db = db
	return b, nil
}

func (b *Bolt) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(kvBucket).Get([]byte(key))
		if v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, found, nil
}

func (b *Bolt) Set(ctx context.Context, key, value string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (b *Bolt) Remove(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (b *Bolt) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate keys: %w", err)
	}
	return keys, nil
}

func (b *Bolt) Usage(ctx context.Context) (int64, error) {
	var usage int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).ForEach(func(k, v []byte) error {
			usage += int64(len(k) + len(v))
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("compute usage: %w", err)
	}
	return usage, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
