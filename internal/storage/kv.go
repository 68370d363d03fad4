package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetValue reads a blob from the key/value table. A missing key yields nil, nil.
func (s *Store) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return value, err
}

// PutValue replaces the blob stored under key.
func (s *Store) PutValue(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// KeyValue binds one key of the store to the Load/Save shape the offline
// queue persists through.
type KeyValue struct {
	store   *Store
	key     string
	timeout time.Duration
}

// KeyValue returns a handle on key. Operations are bounded by timeout.
func (s *Store) KeyValue(key string, timeout time.Duration) *KeyValue {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KeyValue{store: s, key: key, timeout: timeout}
}

func (kv *KeyValue) Load() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kv.timeout)
	defer cancel()
	return kv.store.GetValue(ctx, kv.key)
}

func (kv *KeyValue) Save(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), kv.timeout)
	defer cancel()
	return kv.store.PutValue(ctx, kv.key, data)
}
