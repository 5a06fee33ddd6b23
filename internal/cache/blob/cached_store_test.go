package blob

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	blobrepo "configurator/internal/gateway/repository/blob"
)

type fakeOriginStore struct {
	mu sync.Mutex

	data map[string][]byte

	getCalls  int
	putCalls  int
	listCalls int

	failPut bool
}

func newFakeOriginStore() *fakeOriginStore {
	return &fakeOriginStore{data: map[string][]byte{}}
}

func (s *fakeOriginStore) Put(_ context.Context, name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.failPut {
		return fmt.Errorf("put failed")
	}
	s.data[name] = append([]byte(nil), content...)
	return nil
}

func (s *fakeOriginStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	raw, ok := s.data[name]
	if !ok {
		return nil, blobrepo.ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (s *fakeOriginStore) GetURL(_ context.Context, name string) (string, error) {
	return "https://blobs.example/" + name, nil
}

func (s *fakeOriginStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeOriginStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[name]; !ok {
		return blobrepo.ErrNotFound
	}
	delete(s.data, name)
	return nil
}

func TestCachedStoreReadThroughAndMetrics(t *testing.T) {
	origin := newFakeOriginStore()
	origin.data["a.txt"] = []byte("hello")
	store := NewCachedStore(origin, CacheConfig{BlobTTL: time.Minute, BlobMaxEntries: 8, BlobMaxBytes: 1024})

	for i := 0; i < 2; i++ {
		got, err := store.Get(context.Background(), "a.txt")
		if err != nil {
			t.Fatalf("get %d failed: %v", i, err)
		}
		if string(got) != "hello" {
			t.Fatalf("unexpected content: %q", got)
		}
	}
	if origin.getCalls != 1 {
		t.Fatalf("expected one origin get call, got %d", origin.getCalls)
	}
	m := store.Metrics()
	if m.BlobHits != 1 || m.BlobMisses != 1 || m.OriginReads != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestCachedStoreWriteThroughAndDelete(t *testing.T) {
	origin := newFakeOriginStore()
	store := NewCachedStore(origin, DefaultCacheConfig())
	ctx := context.Background()

	if err := store.Put(ctx, "a.txt", []byte("new")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if got, err := store.Get(ctx, "a.txt"); err != nil || string(got) != "new" {
		t.Fatalf("get after put = %q, %v", got, err)
	}
	if origin.getCalls != 0 {
		t.Fatalf("expected cached read, origin got %d calls", origin.getCalls)
	}
	if err := store.Delete(ctx, "a.txt"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "a.txt"); err == nil {
		t.Fatalf("expected miss after delete")
	}
}

func TestCachedStoreSkipsLargeBlobs(t *testing.T) {
	origin := newFakeOriginStore()
	origin.data["big"] = make([]byte, 64)
	store := NewCachedStore(origin, CacheConfig{BlobMaxBytes: 16})

	_, _ = store.Get(context.Background(), "big")
	_, _ = store.Get(context.Background(), "big")
	if origin.getCalls != 2 {
		t.Fatalf("expected large blob to bypass cache, origin calls %d", origin.getCalls)
	}
}

func TestCachedStoreFailedPutIsNotCached(t *testing.T) {
	origin := newFakeOriginStore()
	origin.failPut = true
	store := NewCachedStore(origin, DefaultCacheConfig())
	if err := store.Put(context.Background(), "a", []byte("x")); err == nil {
		t.Fatalf("expected put error")
	}
	if _, err := store.Get(context.Background(), "a"); err == nil {
		t.Fatalf("failed put must not be readable")
	}
}
