package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(4, &fakePusher{})

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Register(ctx, Connection{ID: "c1", EstablishedAt: first}))
	require.NoError(t, reg.Register(ctx, Connection{ID: "c1", EstablishedAt: first.Add(time.Hour)}))

	got, ok := reg.Lookup(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, first, got.EstablishedAt)
	assert.Equal(t, 1, reg.Len())
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	err := NewRegistry(1, nil).Register(context.Background(), Connection{})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(4, &fakePusher{})

	assert.NoError(t, reg.Remove(ctx, "missing"))

	require.NoError(t, reg.Register(ctx, Connection{ID: "c1"}))
	require.NoError(t, reg.Remove(ctx, "c1"))
	require.NoError(t, reg.Remove(ctx, "c1"))
	assert.False(t, reg.IsActive(ctx, "c1"))
	assert.Equal(t, 0, reg.Len())
}

func TestPushToUnknownOrRemovedIsGone(t *testing.T) {
	ctx := context.Background()
	p := &fakePusher{}
	reg := NewRegistry(4, p)

	assert.ErrorIs(t, reg.Push(ctx, "nobody", []byte("x")), ErrConnectionGone)

	require.NoError(t, reg.Register(ctx, Connection{ID: "c1"}))
	require.NoError(t, reg.Push(ctx, "c1", []byte("hello")))
	require.NoError(t, reg.Remove(ctx, "c1"))
	assert.ErrorIs(t, reg.Push(ctx, "c1", []byte("late")), ErrConnectionGone)

	sent := p.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].payload)
	assert.Equal(t, "c1", sent[0].conn.ID)
}

func TestPushWithoutPusherFails(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(1, nil)
	require.NoError(t, reg.Register(ctx, Connection{ID: "c1"}))

	assert.ErrorIs(t, reg.Push(ctx, "c1", []byte("x")), ErrDeliveryFailed)
}

func TestPushGoneDropsRegistration(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := &fakePusher{fail: func(int) error { return errors.Wrap(ErrConnectionGone, "peer left") }}
	reg := NewRegistry(4, p, WithRegistryStore(store))

	require.NoError(t, reg.Register(ctx, Connection{ID: "c1"}))
	assert.ErrorIs(t, reg.Push(ctx, "c1", []byte("x")), ErrConnectionGone)

	assert.False(t, reg.IsActive(ctx, "c1"))
	_, ok, _ := store.Load(ctx, "c1")
	assert.False(t, ok)
}

func TestPushRejectedKeepsRegistration(t *testing.T) {
	ctx := context.Background()
	p := &fakePusher{fail: func(int) error { return errors.Wrap(ErrPushRejected, "throttled") }}
	reg := NewRegistry(4, p)

	require.NoError(t, reg.Register(ctx, Connection{ID: "c1"}))
	assert.ErrorIs(t, reg.Push(ctx, "c1", []byte("x")), ErrPushRejected)
	assert.True(t, reg.IsActive(ctx, "c1"))
}

func TestRegistryConcurrentIDs(t *testing.T) {
	ctx := context.Background()
	p := &fakePusher{}
	reg := NewRegistry(8, p)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			assert.NoError(t, reg.Register(ctx, Connection{ID: id}))
			assert.NoError(t, reg.Push(ctx, id, []byte(id)))
			if i%2 == 0 {
				assert.NoError(t, reg.Remove(ctx, id))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n/2, reg.Len())
	assert.Len(t, p.sent(), n)
}

func TestRemoveWaitsForPushInProgress(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	pusher := PusherFunc(func(ctx context.Context, conn Connection, payload []byte) error {
		close(entered)
		<-release
		return nil
	})
	reg := NewRegistry(4, pusher)
	require.NoError(t, reg.Register(ctx, Connection{ID: "c1"}))

	pushDone := make(chan error, 1)
	go func() { pushDone <- reg.Push(ctx, "c1", []byte("x")) }()
	<-entered

	removed := make(chan struct{})
	go func() {
		assert.NoError(t, reg.Remove(ctx, "c1"))
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("remove finished while a push to the same connection was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-pushDone)
	<-removed
	assert.ErrorIs(t, reg.Push(ctx, "c1", []byte("y")), ErrConnectionGone)
}

func TestRegistriesShareStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := &fakePusher{}

	a := NewRegistry(4, p, WithRegistryStore(store))
	b := NewRegistry(4, p, WithRegistryStore(store))

	require.NoError(t, a.Register(ctx, Connection{ID: "c1", Endpoint: Endpoint{DomainName: testDomain, Stage: "prod"}}))

	require.NoError(t, b.Push(ctx, "c1", []byte("from b")))
	sent := p.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testDomain, sent[0].conn.Endpoint.DomainName)

	require.NoError(t, a.Remove(ctx, "c1"))
	_, ok, _ := store.Load(ctx, "c1")
	assert.False(t, ok)
}

func TestRemovedOnOtherInstanceIsGone(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := &fakePusher{}

	a := NewRegistry(4, p, WithRegistryStore(store))
	b := NewRegistry(4, p, WithRegistryStore(store))

	require.NoError(t, a.Register(ctx, Connection{ID: "c1"}))
	require.NoError(t, b.Push(ctx, "c1", []byte("adopted")))
	require.Equal(t, 1, b.Len())

	// $disconnect lands on a
	require.NoError(t, a.Remove(ctx, "c1"))

	assert.ErrorIs(t, b.Push(ctx, "c1", []byte("late")), ErrConnectionGone)
	assert.False(t, b.IsActive(ctx, "c1"))
	assert.Equal(t, 0, b.Len())
	assert.Len(t, p.sent(), 1)
}

// gatedStore holds the first Delete until release is closed.
type gatedStore struct {
	*memStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Delete(ctx context.Context, id string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.memStore.Delete(ctx, id)
}

func TestLookupDuringRemoveDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{memStore: newMemStore(), entered: make(chan struct{}), release: make(chan struct{})}
	p := &fakePusher{}
	reg := NewRegistry(4, p, WithRegistryStore(store))
	other := NewRegistry(4, p, WithRegistryStore(store))

	require.NoError(t, reg.Register(ctx, Connection{ID: "c1"}))

	removed := make(chan error, 1)
	go func() { removed <- reg.Remove(ctx, "c1") }()
	<-store.entered

	// lookups racing the removal may or may not see c1
	reg.IsActive(ctx, "c1")
	other.IsActive(ctx, "c1")

	close(store.release)
	require.NoError(t, <-removed)

	assert.ErrorIs(t, reg.Push(ctx, "c1", []byte("late")), ErrConnectionGone)
	assert.ErrorIs(t, other.Push(ctx, "c1", []byte("late")), ErrConnectionGone)
	assert.False(t, reg.IsActive(ctx, "c1"))
	assert.False(t, other.IsActive(ctx, "c1"))
	assert.Empty(t, p.sent())
}
