package interceptcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intercept-cache/intercept-cache/cache"
	"github.com/intercept-cache/intercept-cache/policy"
)

// fakeFetcher is a scriptable network collaborator. Calls are counted, and
// the maximum number of concurrently running fetches is tracked so tests
// can assert the single-flight property.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	inFlight  int32
	maxActive int32

	// block makes fetches wait for the context before returning its error.
	block bool
	// delay makes fetches take this long, honoring cancellation.
	delay time.Duration
	// entered is signalled once per fetch as it starts, when non-nil.
	entered chan struct{}

	payload  []byte
	mimeType string
	status   int
	err      error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, header http.Header) (*FetchResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	delay := f.delay
	f.mu.Unlock()

	active := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if active <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, active) {
			break
		}
	}

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &FetchResult{
		Payload:    f.payload,
		StatusCode: status,
		MimeType:   f.mimeType,
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) setBlock(block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = block
}

func newTestCoordinator(fetcher Fetcher, records cache.RecordStore) (*Coordinator, *cache.Store) {
	if records == nil {
		records = cache.NewMemoryRecordStore()
	}
	store := cache.NewStore(cache.Config{Records: records})
	engine := policy.New(policy.Config{
		Patterns:    []string{"https://cdn.example.com/*"},
		FreshWindow: time.Minute,
		StaleWindow: time.Minute,
	})
	return NewCoordinator(store, engine, fetcher, testLogger()), store
}

// seedResource plants an entry with a chosen age directly in durable
// storage, so staleness states can be tested without waiting.
func seedResource(t *testing.T, records cache.RecordStore, url string, payload string, age time.Duration) {
	t.Helper()
	b, err := json.Marshal(cache.Resource{
		Key:      url,
		Payload:  []byte(payload),
		MimeType: "text/plain",
		StoredAt: time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := records.WriteRecord(url, b); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissFetchesAndStores(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("fetched"), mimeType: "text/plain"}
	coordinator, store := newTestCoordinator(fetcher, nil)

	result, err := coordinator.Load(context.Background(), "https://cdn.example.com/a")
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Payload) != "fetched" || result.Source != "network" {
		t.Fatalf("got %q from %q", result.Payload, result.Source)
	}
	if resource, ok := store.Lookup("https://cdn.example.com/a"); !ok || string(resource.Payload) != "fetched" {
		t.Fatalf("fetched payload not stored")
	}
}

func TestLoadFreshHitSkipsNetwork(t *testing.T) {
	records := cache.NewMemoryRecordStore()
	seedResource(t, records, "https://cdn.example.com/a", "cached", 10*time.Second)
	fetcher := &fakeFetcher{payload: []byte("fetched")}
	coordinator, _ := newTestCoordinator(fetcher, records)

	result, err := coordinator.Load(context.Background(), "https://cdn.example.com/a")
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Payload) != "cached" || result.Source != "fresh" {
		t.Fatalf("got %q from %q", result.Payload, result.Source)
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("fresh hit hit the network %d times", fetcher.callCount())
	}
}

func TestLoadStaleHitServesCachedAndRevalidates(t *testing.T) {
	records := cache.NewMemoryRecordStore()
	seedResource(t, records, "https://cdn.example.com/a", "cached", 90*time.Second)
	fetcher := &fakeFetcher{payload: []byte("revalidated"), mimeType: "text/plain"}
	coordinator, store := newTestCoordinator(fetcher, records)

	result, err := coordinator.Load(context.Background(), "https://cdn.example.com/a")
	if err != nil {
		t.Fatal(err)
	}
	// the caller gets the stale bytes immediately
	if string(result.Payload) != "cached" || result.Source != "stale" {
		t.Fatalf("got %q from %q", result.Payload, result.Source)
	}

	// the background revalidation replaces the entry
	deadline := time.Now().Add(2 * time.Second)
	for {
		if resource, ok := store.Lookup("https://cdn.example.com/a"); ok && string(resource.Payload) == "revalidated" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background revalidation never stored")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoadExpiredEntryFetchesSynchronously(t *testing.T) {
	records := cache.NewMemoryRecordStore()
	seedResource(t, records, "https://cdn.example.com/a", "ancient", 10*time.Minute)
	fetcher := &fakeFetcher{payload: []byte("fetched"), mimeType: "text/plain"}
	coordinator, _ := newTestCoordinator(fetcher, records)

	result, err := coordinator.Load(context.Background(), "https://cdn.example.com/a")
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Payload) != "fetched" || result.Source != "network" {
		t.Fatalf("got %q from %q", result.Payload, result.Source)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("expected one fetch, got %d", fetcher.callCount())
	}
}

func TestLoadDoesNotStoreNonCacheableResponse(t *testing.T) {
	fetcher := &fakeFetcher{payload: []byte("not found"), status: http.StatusNotFound}
	coordinator, store := newTestCoordinator(fetcher, nil)

	result, err := coordinator.Load(context.Background(), "https://cdn.example.com/a")
	if err != nil {
		t.Fatal(err)
	}
	// the fetched payload is still returned to the caller
	if result.StatusCode != http.StatusNotFound {
		t.Fatalf("status is %d", result.StatusCode)
	}
	if _, ok := store.Lookup("https://cdn.example.com/a"); ok {
		t.Fatal("non-2xx response was stored")
	}
}

func TestLoadFetchErrorIsTyped(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	coordinator, store := newTestCoordinator(fetcher, nil)

	_, err := coordinator.Load(context.Background(), "https://cdn.example.com/a")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error is %v", err)
	}
	if _, ok := store.Lookup("https://cdn.example.com/a"); ok {
		t.Fatal("failed fetch was stored")
	}
	if coordinator.PendingLoads() != 0 {
		t.Fatal("pending load not cleared after failure")
	}
}

func TestLoadSupersedesEarlierLoad(t *testing.T) {
	const url = "https://cdn.example.com/a"
	fetcher := &fakeFetcher{
		payload:  []byte("fetched"),
		mimeType: "text/plain",
		entered:  make(chan struct{}, 2),
	}
	// the first fetch blocks until cancelled, the second succeeds
	fetcher.setBlock(true)
	coordinator, _ := newTestCoordinator(fetcher, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := coordinator.Load(context.Background(), url)
		firstDone <- err
	}()
	<-fetcher.entered
	fetcher.setBlock(false)

	second, err := coordinator.Load(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	if string(second.Payload) != "fetched" {
		t.Fatalf("superseding load got %q", second.Payload)
	}

	select {
	case err := <-firstDone:
		if !errors.Is(err, ErrLoadSuperseded) {
			t.Fatalf("superseded load got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded load never returned")
	}

	// the supersede cancels the earlier fetch before starting its own
	if max := atomic.LoadInt32(&fetcher.maxActive); max != 1 {
		t.Fatalf("%d fetches were in flight concurrently", max)
	}
	if coordinator.PendingLoads() != 0 {
		t.Fatal("pending loads not cleared")
	}
}

func TestConcurrentLoadsShareOneFetchSlot(t *testing.T) {
	const url = "https://cdn.example.com/a"
	for i := 0; i < 25; i++ {
		fetcher := &fakeFetcher{
			payload:  []byte("fetched"),
			mimeType: "text/plain",
			delay:    2 * time.Millisecond,
		}
		coordinator, _ := newTestCoordinator(fetcher, nil)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := coordinator.Load(context.Background(), url)
				if err != nil && !errors.Is(err, ErrLoadSuperseded) {
					t.Error(err)
				}
			}()
		}
		wg.Wait()

		if max := atomic.LoadInt32(&fetcher.maxActive); max > 1 {
			t.Fatalf("iteration %d: %d fetches were in flight concurrently", i, max)
		}
		if coordinator.PendingLoads() != 0 {
			t.Fatalf("iteration %d: pending loads not cleared", i)
		}
	}
}

// blockingRecordStore delays the first durable read until released, holding a
// load open between its registration and its cache consultation.
type blockingRecordStore struct {
	*cache.MemoryRecordStore
	reading chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRecordStore) ReadRecord(key string) ([]byte, error) {
	b.once.Do(func() {
		close(b.reading)
		<-b.release
	})
	return b.MemoryRecordStore.ReadRecord(key)
}

func TestSupersededLoadDoesNotServeCacheHit(t *testing.T) {
	const url = "https://cdn.example.com/a"
	records := &blockingRecordStore{
		MemoryRecordStore: cache.NewMemoryRecordStore(),
		reading:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	seedResource(t, records, url, "cached", 10*time.Second)
	coordinator, _ := newTestCoordinator(&fakeFetcher{}, records)

	done := make(chan error, 1)
	go func() {
		_, err := coordinator.Load(context.Background(), url)
		done <- err
	}()
	<-records.reading
	coordinator.CancelAll()
	close(records.release)

	// the fresh hit resolves after the cancellation, so the caller gets the
	// cancellation error rather than the payload
	select {
	case err := <-done:
		if !errors.Is(err, ErrLoadSuperseded) {
			t.Fatalf("superseded load got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded load never returned")
	}
}

func TestCancelAll(t *testing.T) {
	fetcher := &fakeFetcher{block: true, entered: make(chan struct{}, 4)}
	coordinator, _ := newTestCoordinator(fetcher, nil)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		url := fmt.Sprintf("https://cdn.example.com/%d", i)
		go func() {
			_, err := coordinator.Load(context.Background(), url)
			results <- err
		}()
	}
	<-fetcher.entered
	<-fetcher.entered

	coordinator.CancelAll()

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, ErrLoadSuperseded) {
				t.Fatalf("cancelled load got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("cancelled load never returned")
		}
	}
	if coordinator.PendingLoads() != 0 {
		t.Fatal("pending loads not cleared")
	}
}
