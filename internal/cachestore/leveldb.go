package cachestore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	s:<store>          store marker
//	e:<store>\x00<key> gob Entry
//	m:<store>\x00<key> gob diskMeta
const sep = "\x00"

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// LevelDB stores entries on disk. With a positive maxBytes the least recently
// accessed tenth of the unpinned entries is evicted whenever the total grows
// past the cap.
type LevelDB struct {
	maxBytes int64
	db       *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta // "<store>\x00<key>" -> meta
	totalSize int64
	pinned    map[string]bool
}

// OpenLevelDB opens (or creates) the database at path and loads its size index.
func OpenLevelDB(path string, maxBytes int64) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &LevelDB{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
		pinned:   map[string]bool{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

// TotalSize reports the encoded size of all entries.
func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func storeMarker(name string) []byte    { return []byte("s:" + name) }
func entryKey(store, key string) []byte { return []byte("e:" + store + sep + key) }
func metaKey(store, key string) []byte  { return []byte("m:" + store + sep + key) }

func (d *LevelDB) CreateStore(_ context.Context, name string) error {
	return d.db.Put(storeMarker(name), nil, nil)
}

func (d *LevelDB) HasStore(_ context.Context, name string) (bool, error) {
	return d.db.Has(storeMarker(name), nil)
}

func (d *LevelDB) StoreNames(_ context.Context) ([]string, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte("s:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("s:"))))
	}
	return out, it.Error()
}

func (d *LevelDB) DropStore(_ context.Context, name string) (bool, error) {
	existed, err := d.db.Has(storeMarker(name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(storeMarker(name))
	var dropped []string
	for _, prefix := range []string{"e:", "m:"} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(prefix+name+sep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
			if prefix == "m:" {
				dropped = append(dropped, string(bytes.TrimPrefix(it.Key(), []byte("m:"))))
			}
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, err
		}
	}
	if err := d.db.Write(batch, nil); err != nil {
		return false, err
	}

	d.mu.Lock()
	for _, k := range dropped {
		if meta, ok := d.index[k]; ok {
			d.totalSize -= meta.Size
			delete(d.index, k)
		}
	}
	d.mu.Unlock()
	return existed, nil
}

func (d *LevelDB) Get(_ context.Context, store, key string) (Entry, bool, error) {
	b, err := d.db.Get(entryKey(store, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}

	// Access times are tracked in memory only; they are persisted on the next put.
	d.mu.Lock()
	if meta, ok := d.index[store+sep+key]; ok {
		meta.LastAccess = time.Now().Unix()
		d.index[store+sep+key] = meta
	}
	d.mu.Unlock()
	return ent, true, nil
}

func (d *LevelDB) Put(ctx context.Context, store, key string, ent Entry) error {
	return d.PutBatch(ctx, store, map[string]Entry{key: ent})
}

func (d *LevelDB) PutBatch(_ context.Context, store string, entries map[string]Entry) error {
	now := time.Now().Unix()
	batch := new(leveldb.Batch)
	batch.Put(storeMarker(store), nil)

	metas := make(map[string]diskMeta, len(entries))
	var total int64
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		size := int64(len(b))
		total += size
		if d.maxBytes > 0 && total > d.maxBytes {
			return ErrEntryTooLarge
		}
		meta := diskMeta{Size: size, LastAccess: now}
		mb, err := encodeGob(meta)
		if err != nil {
			return err
		}
		batch.Put(entryKey(store, key), b)
		batch.Put(metaKey(store, key), mb)
		metas[store+sep+key] = meta
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	for k, meta := range metas {
		if old, ok := d.index[k]; ok {
			d.totalSize -= old.Size
		}
		d.index[k] = meta
		d.totalSize += meta.Size
	}
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
	return nil
}

func (d *LevelDB) Delete(_ context.Context, store, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(store, key))
	batch.Delete(metaKey(store, key))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	d.mu.Lock()
	if meta, ok := d.index[store+sep+key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, store+sep+key)
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) Keys(_ context.Context, store string) ([]string, error) {
	prefix := []byte("e:" + store + sep)
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// Pin exempts store from eviction. Pins live in memory only.
func (d *LevelDB) Pin(store string) {
	d.mu.Lock()
	d.pinned[store] = true
	d.mu.Unlock()
}

func (d *LevelDB) Close() error {
	return d.db.Close()
}

func (d *LevelDB) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		store, _, _ := strings.Cut(k, sep)
		if d.pinned[store] {
			continue
		}
		items = append(items, item{k, m})
	}
	d.mu.Unlock()
	if len(items) == 0 {
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		store, key, ok := strings.Cut(items[i].key, sep)
		if !ok {
			continue
		}
		_ = d.Delete(context.Background(), store, key)
	}
}
