package cachestore

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	t.Helper()
	out := map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemory(0) },
		"leveldb": func(t *testing.T) Backend {
			d, err := OpenLevelDB(filepath.Join(t.TempDir(), "ldb"), 0)
			require.NoError(t, err)
			return d
		},
		"sqlite": func(t *testing.T) Backend {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
			require.NoError(t, err)
			return s
		},
	}
	if addr := os.Getenv("SWCACHE_TEST_REDIS_ADDR"); addr != "" {
		out["redis"] = func(t *testing.T) Backend {
			r, err := OpenRedis(context.Background(), RedisOptions{Addr: addr, Prefix: "swcache-test:" + t.Name() + ":"})
			require.NoError(t, err)
			t.Cleanup(func() {
				names, _ := r.StoreNames(context.Background())
				for _, n := range names {
					_, _ = r.DropStore(context.Background(), n)
				}
			})
			return r
		}
	}
	return out
}

func entry(uri, body string) Entry {
	return Entry{
		URL:    uri,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := open(t)
			defer b.Close()

			ok, err := b.HasStore(ctx, "static-v1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.CreateStore(ctx, "static-v1"))
			require.NoError(t, b.CreateStore(ctx, "static-v1"))
			ok, err = b.HasStore(ctx, "static-v1")
			require.NoError(t, err)
			assert.True(t, ok)

			_, found, err := b.Get(ctx, "static-v1", "GET /")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, b.Put(ctx, "runtime-v1", "GET /a", entry("/a", "a1")))
			require.NoError(t, b.Put(ctx, "runtime-v1", "GET /a", entry("/a", "a2")))
			got, found, err := b.Get(ctx, "runtime-v1", "GET /a")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "a2", string(got.Body))
			assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))

			require.NoError(t, b.PutBatch(ctx, "static-v1", map[string]Entry{
				"GET /":        entry("/", "home"),
				"GET /offline": entry("/offline", "offline"),
			}))
			keys, err := b.Keys(ctx, "static-v1")
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"GET /", "GET /offline"}, keys)

			names, err := b.StoreNames(ctx)
			require.NoError(t, err)
			sort.Strings(names)
			assert.Equal(t, []string{"runtime-v1", "static-v1"}, names)

			require.NoError(t, b.Delete(ctx, "static-v1", "GET /"))
			_, found, err = b.Get(ctx, "static-v1", "GET /")
			require.NoError(t, err)
			assert.False(t, found)

			dropped, err := b.DropStore(ctx, "runtime-v1")
			require.NoError(t, err)
			assert.True(t, dropped)
			dropped, err = b.DropStore(ctx, "runtime-v1")
			require.NoError(t, err)
			assert.False(t, dropped)

			_, found, err = b.Get(ctx, "runtime-v1", "GET /a")
			require.NoError(t, err)
			assert.False(t, found)
			keys, err = b.Keys(ctx, "runtime-v1")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	one := entry("/1", "0123456789")
	m := NewMemory(2*one.size() + 1)

	require.NoError(t, m.Put(ctx, "rt", "GET /1", one))
	require.NoError(t, m.Put(ctx, "rt", "GET /2", entry("/2", "0123456789")))
	_, found, _ := m.Get(ctx, "rt", "GET /1")
	require.True(t, found)

	require.NoError(t, m.Put(ctx, "rt", "GET /3", entry("/3", "0123456789")))

	_, found, _ = m.Get(ctx, "rt", "GET /2")
	assert.False(t, found, "least recently used entry should be evicted")
	_, found, _ = m.Get(ctx, "rt", "GET /1")
	assert.True(t, found)
	_, found, _ = m.Get(ctx, "rt", "GET /3")
	assert.True(t, found)

	err := m.Put(ctx, "rt", "GET /big", entry("/big", string(make([]byte, 1024))))
	assert.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestLevelDB_IndexSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ldb")

	d, err := OpenLevelDB(dir, 0)
	require.NoError(t, err)
	require.NoError(t, d.Put(ctx, "rt", "GET /a", entry("/a", "hello")))
	size := d.TotalSize()
	assert.Positive(t, size)
	require.NoError(t, d.Close())

	d, err = OpenLevelDB(dir, 0)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, size, d.TotalSize())

	_, err = d.DropStore(ctx, "rt")
	require.NoError(t, err)
	assert.Zero(t, d.TotalSize())
}

func TestLevelDB_EvictsOverCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sample, err := encodeGob(entry("/0", "0123456789"))
	require.NoError(t, err)

	d, err := OpenLevelDB(filepath.Join(t.TempDir(), "ldb"), int64(len(sample))*5)
	require.NoError(t, err)
	defer d.Close()

	for _, p := range []string{"/0", "/1", "/2", "/3", "/4", "/5"} {
		require.NoError(t, d.Put(ctx, "rt", "GET "+p, entry(p, "0123456789")))
	}
	keys, err := d.Keys(ctx, "rt")
	require.NoError(t, err)
	assert.Less(t, len(keys), 6)
	assert.LessOrEqual(t, d.TotalSize(), int64(len(sample))*5)
}

func manifest() map[string]Entry {
	body := strings.Repeat("m", 400)
	return map[string]Entry{
		"GET /":              entry("/", body),
		"GET /offline":       entry("/offline", body),
		"GET /manifest.json": entry("/manifest.json", body),
		"GET /favicon.ico":   entry("/favicon.ico", body),
	}
}

func TestPutBatch_RejectsBatchOverCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ldb, err := OpenLevelDB(filepath.Join(t.TempDir(), "ldb"), 1000)
	require.NoError(t, err)
	defer ldb.Close()

	for name, b := range map[string]Backend{"memory": NewMemory(1000), "leveldb": ldb} {
		t.Run(name, func(t *testing.T) {
			err := b.PutBatch(ctx, "site-static-v1", manifest())
			assert.ErrorIs(t, err, ErrEntryTooLarge)
			keys, err := b.Keys(ctx, "site-static-v1")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestMemory_BatchMembersDoNotEvictEachOther(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	batch := manifest()
	var total int64
	for _, ent := range batch {
		total += ent.size()
	}
	m := NewMemory(total + 10)
	require.NoError(t, m.Put(ctx, "rt", "GET /old", entry("/old", strings.Repeat("o", 400))))
	require.NoError(t, m.PutBatch(ctx, "rt", batch))

	keys, err := m.Keys(ctx, "rt")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"GET /", "GET /favicon.ico", "GET /manifest.json", "GET /offline"}, keys)
}

func TestPinnedStoreSurvivesRuntimeGrowth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ldb, err := OpenLevelDB(filepath.Join(t.TempDir(), "ldb"), 8000)
	require.NoError(t, err)
	defer ldb.Close()

	for name, b := range map[string]Backend{"memory": NewMemory(8000), "leveldb": ldb} {
		t.Run(name, func(t *testing.T) {
			b.(Pinner).Pin("site-static-v1")
			require.NoError(t, b.PutBatch(ctx, "site-static-v1", manifest()))
			for i := 0; i < 40; i++ {
				p := "/r" + strings.Repeat("x", i)
				require.NoError(t, b.Put(ctx, "site-runtime-v1", "GET "+p, entry(p, strings.Repeat("r", 400))))
			}

			keys, err := b.Keys(ctx, "site-static-v1")
			require.NoError(t, err)
			assert.Len(t, keys, 4)
			_, found, err := b.Get(ctx, "site-static-v1", "GET /offline")
			require.NoError(t, err)
			assert.True(t, found)

			rt, err := b.Keys(ctx, "site-runtime-v1")
			require.NoError(t, err)
			assert.Less(t, len(rt), 40)
		})
	}
}
