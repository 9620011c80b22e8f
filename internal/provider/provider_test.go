package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDiscovery serves a mutable name list for refresh tests.
type flakyDiscovery struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (d *flakyDiscovery) set(names ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names = names
}

func (d *flakyDiscovery) Names(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]string(nil), d.names...), nil
}

func testOpener(t *testing.T, failing map[string]bool) Opener {
	t.Helper()
	return func(ctx context.Context, name string) (*StoreSet, error) {
		if failing[name] {
			return nil, errors.New("connect refused")
		}
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		return &StoreSet{Name: name, DB: db}, nil
	}
}

func TestRefreshOpensDiscoveredStores(t *testing.T) {
	disc := &flakyDiscovery{}
	disc.set("shard-a", "shard-b")
	p := New(disc, testOpener(t, nil), nil)

	require.NoError(t, p.Refresh(context.Background()))
	defer p.Close()

	assert.True(t, p.Ready())
	assert.NotNil(t, p.Get("shard-a"))
	assert.NotNil(t, p.Get("shard-b"))
	assert.Nil(t, p.Get("shard-c"))

	all := p.All()
	require.Len(t, all, 2)
	assert.Equal(t, "shard-a", all[0].Name)
	assert.Equal(t, "shard-b", all[1].Name)
}

func TestRefreshClosesVanishedStores(t *testing.T) {
	disc := &flakyDiscovery{}
	disc.set("shard-a", "shard-b")
	p := New(disc, testOpener(t, nil), nil)
	require.NoError(t, p.Refresh(context.Background()))
	defer p.Close()

	disc.set("shard-a")
	require.NoError(t, p.Refresh(context.Background()))

	assert.NotNil(t, p.Get("shard-a"))
	assert.Nil(t, p.Get("shard-b"))
	assert.Len(t, p.All(), 1)
}

func TestRefreshFailedOpenDoesNotPoisonOthers(t *testing.T) {
	disc := &flakyDiscovery{}
	disc.set("good", "bad")
	p := New(disc, testOpener(t, map[string]bool{"bad": true}), nil)

	require.NoError(t, p.Refresh(context.Background()))
	defer p.Close()

	assert.NotNil(t, p.Get("good"))
	assert.Nil(t, p.Get("bad"))
	// One store failed to open, so the plane is not ready yet.
	assert.False(t, p.Ready())
}

func TestRefreshDiscoveryErrorPropagates(t *testing.T) {
	disc := &flakyDiscovery{err: errors.New("registry down")}
	p := New(disc, testOpener(t, nil), nil)

	assert.Error(t, p.Refresh(context.Background()))
	assert.False(t, p.Ready())
}

func TestRefreshStartsAndStopsStoreHooks(t *testing.T) {
	disc := &flakyDiscovery{}
	disc.set("shard-a", "shard-b")
	p := New(disc, testOpener(t, nil), nil)

	var mu sync.Mutex
	started := map[string]int{}
	stopped := map[string]int{}
	p.OnStoreOpened(func(set *StoreSet) func() {
		mu.Lock()
		started[set.Name]++
		mu.Unlock()
		name := set.Name
		return func() {
			mu.Lock()
			stopped[name]++
			mu.Unlock()
		}
	})

	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 1, started["shard-a"])
	assert.Equal(t, 1, started["shard-b"])

	// Removal stops the store's loops exactly once.
	disc.set("shard-a")
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 1, stopped["shard-b"])
	assert.Zero(t, stopped["shard-a"])

	// A name that returns gets fresh loops.
	disc.set("shard-a", "shard-b")
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 2, started["shard-b"])

	p.Close()
	assert.Equal(t, 1, stopped["shard-a"])
	assert.Equal(t, 2, stopped["shard-b"])
}

func TestRefreshHooksStoreThatOpensLate(t *testing.T) {
	disc := &flakyDiscovery{}
	disc.set("good", "flaky")
	failing := map[string]bool{"flaky": true}
	p := New(disc, testOpener(t, failing), nil)

	var mu sync.Mutex
	started := map[string]int{}
	p.OnStoreOpened(func(set *StoreSet) func() {
		mu.Lock()
		started[set.Name]++
		mu.Unlock()
		return func() {}
	})

	require.NoError(t, p.Refresh(context.Background()))
	defer p.Close()
	assert.Equal(t, 1, started["good"])
	assert.Zero(t, started["flaky"])
	assert.False(t, p.Ready())

	// The store comes up; the next refresh opens it and starts its loops.
	delete(failing, "flaky")
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 1, started["flaky"])
	assert.True(t, p.Ready())
}

func TestNextRoundRobins(t *testing.T) {
	disc := &flakyDiscovery{}
	disc.set("a", "b")
	p := New(disc, testOpener(t, nil), nil)
	require.NoError(t, p.Refresh(context.Background()))
	defer p.Close()

	first := p.Next()
	second := p.Next()
	third := p.Next()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Name, second.Name)
	assert.Equal(t, first.Name, third.Name)
}

func TestNextOnEmptyProviderReturnsNil(t *testing.T) {
	disc := &flakyDiscovery{}
	p := New(disc, testOpener(t, nil), nil)
	assert.Nil(t, p.Next())
}

func TestStaticDiscoveryCopies(t *testing.T) {
	d := StaticDiscovery{"x", "y"}
	names, err := d.Names(context.Background())
	require.NoError(t, err)
	names[0] = "mutated"

	again, err := d.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, again)
}
