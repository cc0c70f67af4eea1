package storage

import (
	"context"
	"errors"
)

var (
	ErrNotInteger    = errors.New("value is not an integer or out of range")
	ErrInvalidBackup = errors.New("backup is not a JSON object")
)

type Op string

const (
	OpSet  Op = "set"
	OpDel  Op = "del"
	OpIncr Op = "incrby"
)

// Update describes one change to a key.
type Update struct {
	Key     string
	Op      Op
	Version uint64
}

// Store is a key/value store where every key carries a version. Versions
// grow on every write or delete of the key, a deleted key keeps its last
// version so that watchers notice the deletion.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) (int, error)
	Incr(ctx context.Context, key string) (int64, error)

	// Version returns the current version of key, zero if it was never written.
	Version(key string) uint64

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}
