package cachestore

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swcache/internal/logger"
)

// Backend persists entries grouped by store name.
//
// Implementations must be safe for concurrent use. Put creates the store
// when it does not exist yet; PutBatch applies all entries or none.
type Backend interface {
	CreateStore(ctx context.Context, name string) error
	HasStore(ctx context.Context, name string) (bool, error)
	StoreNames(ctx context.Context) ([]string, error)
	DropStore(ctx context.Context, name string) (bool, error)

	Get(ctx context.Context, store, key string) (Entry, bool, error)
	Put(ctx context.Context, store, key string, ent Entry) error
	PutBatch(ctx context.Context, store string, entries map[string]Entry) error
	Delete(ctx context.Context, store, key string) error
	Keys(ctx context.Context, store string) ([]string, error)

	Close() error
}

// Pinner is implemented by capped backends. Entries of a pinned store are
// never evicted to make room for others.
type Pinner interface {
	Pin(store string)
}

// Hooks receive storage events, typically metrics.
type Hooks struct {
	WriteFailed  func(store string, err error)
	WriteDropped func(store string)
}

// Options configure a Storage.
type Options struct {
	// QueueSize bounds pending asynchronous writes. Writes beyond it are dropped.
	QueueSize int
	Logger    logger.Logger
	Hooks     Hooks
}

type writeOp struct {
	store string
	key   string
	ent   Entry
	flush chan struct{}
}

// Storage is the set of named stores of one origin.
type Storage struct {
	backend Backend
	log     logger.Logger
	warn    *logger.RateLimited
	hooks   Hooks

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	closeMu sync.RWMutex
	closed  bool
	ops     chan writeOp
	done    chan struct{}
}

// New wraps backend and starts the asynchronous writer.
func New(backend Backend, opts Options) *Storage {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	s := &Storage{
		backend: backend,
		log:     opts.Logger,
		warn:    logger.NewRateLimited(opts.Logger, time.Minute),
		hooks:   opts.Hooks,
		locks:   map[string]*sync.RWMutex{},
		ops:     make(chan writeOp, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go s.writerLoop()
	return s
}

// Close drains pending writes and closes the backend.
func (s *Storage) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.closeMu.Unlock()

	<-s.done
	return s.backend.Close()
}

func (s *Storage) lockFor(name string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[name] = l
	}
	return l
}

// Open returns the named store, creating it when missing.
func (s *Storage) Open(ctx context.Context, name string) (*Store, error) {
	l := s.lockFor(name)
	l.RLock()
	defer l.RUnlock()
	ok, err := s.backend.HasStore(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	if !ok {
		if err := s.backend.CreateStore(ctx, name); err != nil {
			return nil, fmt.Errorf("open store %s: %w", name, err)
		}
	}
	return &Store{name: name, storage: s}, nil
}

// OpenExisting returns the named store only if it exists. Writers that must
// not resurrect a deleted store use it instead of Open.
func (s *Storage) OpenExisting(ctx context.Context, name string) (*Store, bool, error) {
	ok, err := s.backend.HasStore(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("open store %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Store{name: name, storage: s}, true, nil
}

// Pin exempts the named store from eviction. Uncapped backends ignore it.
func (s *Storage) Pin(name string) {
	if p, ok := s.backend.(Pinner); ok {
		p.Pin(name)
	}
}

// Has reports whether the named store exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.backend.HasStore(ctx, name)
}

// Names lists all store names in lexical order.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	names, err := s.backend.StoreNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named store and every entry in it.
// It waits for in-flight reads and writes of that store only.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()
	ok, err := s.backend.DropStore(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return ok, nil
}

// Match looks key up in the given stores in order, or in every store when none are given.
// Missing stores are skipped.
func (s *Storage) Match(ctx context.Context, key string, stores ...string) (Entry, bool, error) {
	if len(stores) == 0 {
		names, err := s.Names(ctx)
		if err != nil {
			return Entry{}, false, err
		}
		stores = names
	}
	for _, name := range stores {
		ent, ok, err := s.get(ctx, name, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

// Flush waits until every asynchronous write queued before the call has been applied.
func (s *Storage) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case s.ops <- writeOp{flush: done}:
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	s.closeMu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats counts entries per store.
func (s *Storage) Stats(ctx context.Context) (map[string]int, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(names))
	for _, name := range names {
		keys, err := s.backend.Keys(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("keys of %s: %w", name, err)
		}
		out[name] = len(keys)
	}
	return out, nil
}

func (s *Storage) get(ctx context.Context, store, key string) (Entry, bool, error) {
	l := s.lockFor(store)
	l.RLock()
	defer l.RUnlock()
	return s.backend.Get(ctx, store, key)
}

func (s *Storage) put(ctx context.Context, store, key string, ent Entry) error {
	l := s.lockFor(store)
	l.RLock()
	defer l.RUnlock()
	return s.backend.Put(ctx, store, key, ent)
}

// enqueue never blocks: a full queue drops the write.
func (s *Storage) enqueue(op writeOp) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.warn.Warn("cache write queue full, dropping write",
			logger.String("store", op.store), logger.String("key", op.key))
		if s.hooks.WriteDropped != nil {
			s.hooks.WriteDropped(op.store)
		}
	}
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		s.applyAsync(op)
	}
}

func (s *Storage) applyAsync(op writeOp) {
	ctx := context.Background()
	l := s.lockFor(op.store)
	l.RLock()
	defer l.RUnlock()

	// A store deleted after the write was queued stays deleted.
	exists, err := s.backend.HasStore(ctx, op.store)
	if err == nil && !exists {
		s.log.Debug("dropping write for deleted store",
			logger.String("store", op.store), logger.String("key", op.key))
		return
	}
	if err == nil {
		err = s.backend.Put(ctx, op.store, op.key, op.ent)
	}
	if err != nil {
		s.warn.Warn("cache write failed",
			logger.String("store", op.store), logger.String("key", op.key), logger.Error(err))
		if s.hooks.WriteFailed != nil {
			s.hooks.WriteFailed(op.store, err)
		}
	}
}

// Store is a handle on one named store.
type Store struct {
	name    string
	storage *Storage
}

// Name returns the store name.
func (st *Store) Name() string { return st.name }

// Match returns the entry stored under key.
func (st *Store) Match(ctx context.Context, key string) (Entry, bool, error) {
	return st.storage.get(ctx, st.name, key)
}

// Put stores ent under key and waits for the write.
func (st *Store) Put(ctx context.Context, key string, ent Entry) error {
	return st.storage.put(ctx, st.name, key, ent.Clone())
}

// PutAsync queues a copy of ent for writing and returns immediately.
// Failures are logged and never reported to the caller.
func (st *Store) PutAsync(key string, ent Entry) {
	st.storage.enqueue(writeOp{store: st.name, key: key, ent: ent.Clone()})
}

// Delete removes a single entry.
func (st *Store) Delete(ctx context.Context, key string) error {
	l := st.storage.lockFor(st.name)
	l.RLock()
	defer l.RUnlock()
	return st.storage.backend.Delete(ctx, st.name, key)
}

// Keys lists the request identities held by the store.
func (st *Store) Keys(ctx context.Context) ([]string, error) {
	l := st.storage.lockFor(st.name)
	l.RLock()
	defer l.RUnlock()
	keys, err := st.storage.backend.Keys(ctx, st.name)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

const addAllConcurrency = 8

// AddAll fetches every URL and stores the responses in one atomic batch.
// If any fetch fails or answers with a non-ok status nothing is stored.
func (st *Store) AddAll(ctx context.Context, fetcher Fetcher, urls []string) error {
	entries := make([]Entry, len(urls))
	keys := make([]string, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(addAllConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("request %s: %w", u, err)
			}
			ent, err := fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if !ent.OK() {
				return fmt.Errorf("%w: %s answered %d", ErrFetchFailed, u, ent.Status)
			}
			keys[i] = RequestKey(req)
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	batch := make(map[string]Entry, len(urls))
	for i := range keys {
		batch[keys[i]] = entries[i]
	}

	l := st.storage.lockFor(st.name)
	l.RLock()
	defer l.RUnlock()
	if err := st.storage.backend.PutBatch(ctx, st.name, batch); err != nil {
		return fmt.Errorf("store batch in %s: %w", st.name, err)
	}
	return nil
}
