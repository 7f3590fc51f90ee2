package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/charge-ledger/internal/storage/kv"
)

var (
	openMu   sync.Mutex
	openLogs = make(map[string]*WAL) // path -> 已開啟的實例
)

// Opener fetches or creates a named log whose ID is remembered in a kv.Store,
// so every process instance of the same run appends to one continuous log.
type Opener struct {
	Dir          string   // directory holding <id>.jsonl files
	KV           kv.Store // where the log ID is persisted
	Key          string   // kv key for the log ID
	Name         string   // prefix of newly created log IDs
	SyncOnAppend bool
}

// Open returns the log recorded under o.Key, creating it on first use.
//
// Opens are serialized process-wide; a second caller gets the very instance
// the first one opened as long as it has not been closed.
func (o Opener) Open(ctx context.Context) (*WAL, string, error) {
	if o.KV == nil {
		return nil, "", errors.New("wal: opener has no kv store")
	}
	if o.Key == "" {
		return nil, "", errors.New("wal: opener has no key")
	}

	openMu.Lock()
	defer openMu.Unlock()

	raw, ok, err := o.KV.Get(ctx, o.Key)
	if err != nil {
		return nil, "", fmt.Errorf("wal: failed to read log id: %w", err)
	}

	id := string(raw)
	if !ok || id == "" {
		name := o.Name
		if name == "" {
			name = "log"
		}
		id = name + "-" + uuid.NewString()
		if err := o.KV.Set(ctx, o.Key, []byte(id)); err != nil {
			return nil, "", fmt.Errorf("wal: failed to persist log id: %w", err)
		}
	}

	path := filepath.Join(o.Dir, id+".jsonl")
	if existing, ok := openLogs[path]; ok && !existing.isClosed() {
		return existing, id, nil
	}

	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return nil, "", fmt.Errorf("wal: failed to create log dir: %w", err)
	}
	w, err := NewWAL(path, o.SyncOnAppend)
	if err != nil {
		return nil, "", fmt.Errorf("wal: failed to open log %s: %w", id, err)
	}
	w.onClose = func() {
		openMu.Lock()
		defer openMu.Unlock()
		if openLogs[path] == w {
			delete(openLogs, path)
		}
	}
	openLogs[path] = w
	return w, id, nil
}

// Lookup returns the path of the log recorded under o.Key without creating one.
func (o Opener) Lookup(ctx context.Context) (string, bool, error) {
	raw, ok, err := o.KV.Get(ctx, o.Key)
	if err != nil {
		return "", false, fmt.Errorf("wal: failed to read log id: %w", err)
	}
	if !ok || len(raw) == 0 {
		return "", false, nil
	}
	return filepath.Join(o.Dir, string(raw)+".jsonl"), true, nil
}
