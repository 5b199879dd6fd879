package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/gamevisor/internal/atomicfile"
	"github.com/loykin/gamevisor/internal/store"
)

// DB stores each collection as one JSON document (id -> record) under root.
// Collection "backups/s1" lives at <root>/backups/s1.json.
type DB struct {
	root         string
	beforeRename func(tmpPath string) error

	mu    sync.Mutex
	colMu map[string]*sync.Mutex
}

// Option configures a DB.
type Option func(*DB)

// WithBeforeRename installs a hook that runs between flushing a collection
// file and renaming it into place. Used to simulate a crash mid-write.
func WithBeforeRename(fn func(tmpPath string) error) Option {
	return func(d *DB) { d.beforeRename = fn }
}

// New opens (creating if needed) a file store rooted at dir and removes temp
// files left behind by an interrupted write.
func New(dir string, opts ...Option) (*DB, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("empty store directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	d := &DB{root: dir, colMu: make(map[string]*sync.Mutex)}
	for _, o := range opts {
		o(d)
	}
	err := filepath.WalkDir(dir, func(p string, e os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return atomicfile.CleanStale(p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clean stale temp files: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error { return nil }

func (d *DB) path(collection string) (string, error) {
	c := strings.Trim(collection, "/")
	if c == "" {
		return "", errors.New("empty collection name")
	}
	for _, seg := range strings.Split(c, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `\`) {
			return "", fmt.Errorf("invalid collection name %q", collection)
		}
	}
	return filepath.Join(d.root, filepath.FromSlash(c)+".json"), nil
}

func (d *DB) lockCollection(collection string) func() {
	d.mu.Lock()
	m, ok := d.colMu[collection]
	if !ok {
		m = &sync.Mutex{}
		d.colMu[collection] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (d *DB) load(p string) (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	doc := map[string]json.RawMessage{}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("corrupt collection file %s: %w", p, err)
	}
	return doc, nil
}

func (d *DB) Read(_ context.Context, collection, id string) ([]byte, error) {
	p, err := d.path(collection)
	if err != nil {
		return nil, err
	}
	unlock := d.lockCollection(collection)
	defer unlock()
	doc, err := d.load(p)
	if err != nil {
		return nil, err
	}
	v, ok := doc[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return []byte(v), nil
}

func (d *DB) List(_ context.Context, collection string) ([]store.Item, error) {
	p, err := d.path(collection)
	if err != nil {
		return nil, err
	}
	unlock := d.lockCollection(collection)
	defer unlock()
	doc, err := d.load(p)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]store.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.Item{ID: id, Data: []byte(doc[id])})
	}
	return out, nil
}

func (d *DB) Write(_ context.Context, collection, id string, data []byte) error {
	p, err := d.path(collection)
	if err != nil {
		return &store.WriteError{Collection: collection, ID: id, Err: err}
	}
	if !json.Valid(data) {
		return &store.WriteError{Collection: collection, ID: id, Err: errors.New("record is not valid JSON")}
	}
	unlock := d.lockCollection(collection)
	defer unlock()
	doc, err := d.load(p)
	if err != nil {
		return &store.WriteError{Collection: collection, ID: id, Err: err}
	}
	doc[id] = json.RawMessage(data)
	if err := d.flush(p, doc); err != nil {
		return &store.WriteError{Collection: collection, ID: id, Err: err}
	}
	return nil
}

func (d *DB) Delete(_ context.Context, collection, id string) error {
	p, err := d.path(collection)
	if err != nil {
		return err
	}
	unlock := d.lockCollection(collection)
	defer unlock()
	doc, err := d.load(p)
	if err != nil {
		return err
	}
	if _, ok := doc[id]; !ok {
		return store.ErrNotFound
	}
	delete(doc, id)
	if err := d.flush(p, doc); err != nil {
		return &store.WriteError{Collection: collection, ID: id, Err: err}
	}
	return nil
}

func (d *DB) DropCollection(_ context.Context, collection string) error {
	p, err := d.path(collection)
	if err != nil {
		return err
	}
	unlock := d.lockCollection(collection)
	defer unlock()
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *DB) flush(p string, doc map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFileHook(p, b, 0o600, d.beforeRename)
}
