package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/model"
	"proxyplane/internal/store"
	"proxyplane/internal/store/memstore"
	"proxyplane/internal/store/storetest"
)

// gatedReader counts route loads and can hold them until released.
type gatedReader struct {
	store.Reader
	loads   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	fail    atomic.Bool
}

func (g *gatedReader) ListRoutes(ctx context.Context) ([]model.Route, error) {
	g.loads.Add(1)
	if g.gate != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.gate
	}
	if g.fail.Load() {
		return nil, errors.New("db down")
	}
	return g.Reader.ListRoutes(ctx)
}

func seeded(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	host, cluster, route := storetest.Fixture(time.Now())
	require.NoError(t, st.PutWebHost(ctx, host))
	require.NoError(t, st.PutCluster(ctx, cluster))
	require.NoError(t, st.PutRoute(ctx, route))
	return st
}

func TestGetConfigLoadsLazily(t *testing.T) {
	p := New(seeded(t), nil, zerolog.Nop())
	s := p.GetConfig()
	require.NotNil(t, s)
	assert.Len(t, s.Routes, 1)
	assert.Len(t, s.Clusters, 1)
	assert.Len(t, s.Clusters[0].Destinations, 2)
	assert.False(t, s.ChangeToken().HasChanged())
}

func TestReloadIsIdempotent(t *testing.T) {
	p := New(seeded(t), nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, p.Reload(ctx))
	first := p.GetConfig()
	require.NoError(t, p.Reload(ctx))
	second := p.GetConfig()

	assert.Greater(t, second.Generation, first.Generation)
	assert.Equal(t, first.Routes, second.Routes)
	assert.Equal(t, first.Clusters, second.Clusters)
	assert.True(t, first.ChangeToken().HasChanged())
	assert.False(t, second.ChangeToken().HasChanged())
}

func TestStoreFailureInstallsEmptySnapshot(t *testing.T) {
	r := &gatedReader{Reader: seeded(t)}
	r.fail.Store(true)
	p := New(r, nil, zerolog.Nop())

	err := p.Reload(context.Background())
	require.Error(t, err)
	s := p.GetConfig()
	require.NotNil(t, s)
	assert.Empty(t, s.Routes)
	assert.Empty(t, s.Clusters)
	assert.NotNil(t, s.Routes)
}

func TestTokenFiresAfterSwap(t *testing.T) {
	st := seeded(t)
	p := New(st, nil, zerolog.Nop())
	old := p.GetConfig()

	seen := make(chan *Snapshot, 1)
	go func() {
		<-old.ChangeToken().Done()
		seen <- p.GetConfig()
	}()

	require.NoError(t, p.Reload(context.Background()))
	select {
	case s := <-seen:
		assert.Greater(t, s.Generation, old.Generation)
	case <-time.After(2 * time.Second):
		t.Fatal("change token never fired")
	}
}

func TestReaderNeverSeesPartialSnapshot(t *testing.T) {
	st := seeded(t)
	p := New(st, nil, zerolog.Nop())
	p.GetConfig()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		host, cluster, route := storetest.Fixture(time.Now())
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			if err := tx.PutWebHost(ctx, host); err != nil {
				return err
			}
			if err := tx.PutCluster(ctx, cluster); err != nil {
				return err
			}
			return tx.PutRoute(ctx, route)
		}))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var torn atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := p.GetConfig()
				if len(s.Routes) != len(s.Clusters) {
					torn.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Reload(ctx))
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, torn.Load())
	assert.Len(t, p.GetConfig().Routes, 6)
}

func TestConcurrentReloadsCoalesce(t *testing.T) {
	r := &gatedReader{
		Reader:  seeded(t),
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	p := New(r, nil, zerolog.Nop())

	firstDone := make(chan error, 1)
	go func() { firstDone <- p.Reload(context.Background()) }()
	<-r.entered

	// queue five callers behind the running build
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, p.Reload(cancelled), context.Canceled)
	}

	close(r.gate)
	require.NoError(t, <-firstDone)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.running
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), r.loads.Load())
}

func TestStaleReloadCannotReplaceInstall(t *testing.T) {
	st := seeded(t)
	r := &gatedReader{
		Reader:  st,
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	p := New(r, nil, zerolog.Nop())

	reloaded := make(chan error, 1)
	go func() { reloaded <- p.Reload(context.Background()) }()
	<-r.entered

	// the orchestrator commits and installs while the reload is still reading
	ctx := context.Background()
	require.NoError(t, st.SoftDeleteAll(ctx, time.Now()))
	candidate, err := p.Prepare(ctx, st)
	require.NoError(t, err)
	require.True(t, p.Install(candidate))

	close(r.gate)
	require.NoError(t, <-reloaded)

	s := p.GetConfig()
	assert.Same(t, candidate, s)
	assert.Empty(t, s.Routes)
}

func TestWatchDeliversEachSnapshot(t *testing.T) {
	p := New(seeded(t), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan uint64, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Watch(ctx, func(s *Snapshot) { got <- s.Generation })
	}()

	first := <-got
	require.NoError(t, p.Reload(context.Background()))
	second := <-got
	assert.Greater(t, second, first)

	cancel()
	require.NoError(t, p.Reload(context.Background()))
	<-done
}
