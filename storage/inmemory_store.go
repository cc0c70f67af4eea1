package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const UpdateBufferSize = 255

type entry struct {
	value   string
	version uint64
	deleted bool
}

type InmemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64

	updateMu    sync.Mutex
	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		entries:     make(map[string]*entry),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.updateMu.Lock()
	defer i.updateMu.Unlock()

	if !i.isRunning() {
		return nil
	}

	close(i.stop)

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}

	i.updateChans = nil

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	e, ok := i.entries[key]
	if !ok || e.deleted {
		return "", false, nil
	}

	return e.value, true, nil
}

func (i *InmemoryStore) Set(ctx context.Context, key, value string) error {
	i.mu.Lock()
	version := i.write(key, value)
	i.mu.Unlock()

	i.notify(&Update{Key: key, Op: OpSet, Version: version})

	return nil
}

func (i *InmemoryStore) Del(ctx context.Context, keys ...string) (int, error) {
	updates := make([]*Update, 0, len(keys))

	i.mu.Lock()
	for _, key := range keys {
		e, ok := i.entries[key]
		if !ok || e.deleted {
			continue
		}

		i.seq++
		e.value, e.deleted, e.version = "", true, i.seq
		updates = append(updates, &Update{Key: key, Op: OpDel, Version: e.version})
	}
	i.mu.Unlock()

	for _, update := range updates {
		i.notify(update)
	}

	return len(updates), nil
}

func (i *InmemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	i.mu.Lock()

	var current int64
	if e, ok := i.entries[key]; ok && !e.deleted {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			i.mu.Unlock()
			return 0, fmt.Errorf("incr %q: %w", key, ErrNotInteger)
		}
		current = n
	}

	current++
	version := i.write(key, strconv.FormatInt(current, 10))
	i.mu.Unlock()

	i.notify(&Update{Key: key, Op: OpIncr, Version: version})

	return current, nil
}

func (i *InmemoryStore) Version(key string) uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if e, ok := i.entries[key]; ok {
		return e.version
	}

	return 0
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.updateMu.Lock()
	defer i.updateMu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

// Restore loads a JSON object of string values, as produced by Backup. Every
// restored key gets a new version.
func (i *InmemoryStore) Restore(values []byte) error {
	result := gjson.ParseBytes(values)
	if !result.IsObject() {
		return ErrInvalidBackup
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	result.ForEach(func(key, value gjson.Result) bool {
		i.write(key.String(), value.String())
		return true
	})

	return nil
}

// Backup returns the live keys as a JSON object.
func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	keys := make([]string, 0, len(i.entries))
	for key, e := range i.entries {
		if !e.deleted {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	var err error
	values := []byte("{}")

	for _, key := range keys {
		values, err = sjson.SetBytes(values, escapePath(key), i.entries[key].value)
		if err != nil {
			return nil, fmt.Errorf("backup %q: %w", key, err)
		}
	}

	return values, nil
}

// write must be called with mu held.
func (i *InmemoryStore) write(key, value string) uint64 {
	i.seq++

	e, ok := i.entries[key]
	if !ok {
		e = &entry{}
		i.entries[key] = e
	}

	e.value, e.deleted, e.version = value, false, i.seq

	return e.version
}

func (i *InmemoryStore) notify(update *Update) {
	i.updateMu.Lock()
	defer i.updateMu.Unlock()

	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		updateChan <- update
	}
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`,
	`|`, `\|`, `#`, `\#`, `@`, `\@`, `:`, `\:`,
)

// escapePath makes a key safe to use as an sjson path.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}

var _ Store = (*InmemoryStore)(nil)
