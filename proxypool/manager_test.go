package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socks_sentinel/proxypool/model"
	"socks_sentinel/proxypool/storage"
)

// memStore is an in-memory storage.Storage.
type memStore struct {
	mu    sync.Mutex
	snap  storage.Snapshot
	saves int
	err   error
}

func (s *memStore) Load() (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *memStore) Save(snap storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snap = snap
	s.saves++
	return nil
}

func (s *memStore) saved() (storage.Snapshot, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.saves
}

// fakeProber returns results from fn and records every call.
type fakeProber struct {
	fn func(model.Endpoint) model.Result

	mu        sync.Mutex
	calls     []model.Endpoint
	inFlight  int
	maxFlight int
}

func (p *fakeProber) Probe(_ context.Context, ep model.Endpoint) model.Result {
	p.mu.Lock()
	p.calls = append(p.calls, ep)
	p.inFlight++
	if p.inFlight > p.maxFlight {
		p.maxFlight = p.inFlight
	}
	p.mu.Unlock()

	var res model.Result
	if p.fn != nil {
		res = p.fn(ep)
	}

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	now := time.Now()
	res.LastChecked = &now
	return res
}

func (p *fakeProber) called() []model.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Endpoint(nil), p.calls...)
}

func healthy(kbps float64) model.Result {
	return model.Result{
		TCPConnect: true, SOCKS5Handshake: true, RemoteConnect: true, DNSOK: true,
		BandwidthKbps: &kbps,
	}
}

func newTestManager(t *testing.T, prober Prober, opts Options) (*Manager, *memStore) {
	t.Helper()
	store := &memStore{}
	if prober == nil {
		prober = &fakeProber{}
	}
	return NewManager(opts, store, prober, nil), store
}

func endpoints(eps ...model.Endpoint) []model.Endpoint { return eps }

func TestRank_HealthyThenBandwidth(t *testing.T) {
	in := []model.Entry{
		{Endpoint: "1.0.0.1:1", Result: healthy(500)},
		{Endpoint: "1.0.0.2:1", Result: healthy(900)},
		{Endpoint: "1.0.0.3:1", Result: model.Result{TCPConnect: true}},
	}
	out := Rank(in)

	got := []model.Endpoint{out[0].Endpoint, out[1].Endpoint, out[2].Endpoint}
	assert.Equal(t, endpoints("1.0.0.2:1", "1.0.0.1:1", "1.0.0.3:1"), got)
	assert.Equal(t, model.Endpoint("1.0.0.1:1"), in[0].Endpoint, "input must not be reordered")
}

func TestRank_HealthyBeatsBandwidth(t *testing.T) {
	fast := 10000.0
	in := []model.Entry{
		{Endpoint: "1.0.0.1:1", Result: model.Result{TCPConnect: true, SOCKS5Handshake: true, RemoteConnect: true, BandwidthKbps: &fast}},
		{Endpoint: "1.0.0.2:1", Result: healthy(1)},
		{Endpoint: "1.0.0.3:1", Result: model.Result{TCPConnect: true, SOCKS5Handshake: true, RemoteConnect: true, DNSOK: true}},
	}
	out := Rank(in)
	assert.Equal(t, model.Endpoint("1.0.0.2:1"), out[0].Endpoint)
	assert.Equal(t, model.Endpoint("1.0.0.3:1"), out[1].Endpoint)
	assert.Equal(t, model.Endpoint("1.0.0.1:1"), out[2].Endpoint)
}

func TestRank_StableForTies(t *testing.T) {
	var in []model.Entry
	for _, ep := range endpoints("1.0.0.5:1", "1.0.0.3:1", "1.0.0.9:1", "1.0.0.1:1") {
		in = append(in, model.Entry{Endpoint: ep, Result: healthy(100)})
	}
	in = append(in,
		model.Entry{Endpoint: "2.0.0.2:1"},
		model.Entry{Endpoint: "2.0.0.1:1", Result: model.Result{TCPConnect: true}},
	)

	out := Rank(in)
	for i := range in {
		assert.Equal(t, in[i].Endpoint, out[i].Endpoint)
	}
}

func TestManager_MergeAddsOnlyNew(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})

	assert.Equal(t, 2, m.Merge(endpoints("10.0.0.1:1080", "10.0.0.2:1081")))
	require.True(t, m.Commit("10.0.0.1:1080", healthy(42)))

	assert.Equal(t, 1, m.Merge(endpoints("10.0.0.2:1081", "10.0.0.1:1080", "10.0.0.3:1082")))
	assert.Equal(t, endpoints("10.0.0.1:1080", "10.0.0.2:1081", "10.0.0.3:1082"), m.Endpoints())

	res, ok := m.Get("10.0.0.1:1080")
	require.True(t, ok)
	assert.True(t, res.FullyHealthy())
	assert.Equal(t, 42.0, res.Bandwidth())
}

func TestManager_CommitUnknown(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	assert.False(t, m.Commit("1.2.3.4:5", healthy(1)))
	assert.Equal(t, 0, m.Len())
}

func TestManager_SnapshotIsACopy(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	m.Merge(endpoints("1.1.1.1:1"))
	m.Commit("1.1.1.1:1", healthy(10))

	snap := m.Snapshot()
	*snap[0].Result.BandwidthKbps = 99

	res, _ := m.Get("1.1.1.1:1")
	assert.Equal(t, 10.0, res.Bandwidth())
}

func TestManager_RankReordersPoolAndBest(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	m.Merge(endpoints("1.0.0.1:1", "1.0.0.2:1", "1.0.0.3:1"))
	m.Commit("1.0.0.1:1", healthy(500))
	m.Commit("1.0.0.2:1", healthy(900))
	m.Commit("1.0.0.3:1", model.Result{TCPConnect: true})

	_, ok := m.Best()
	require.True(t, ok)

	m.Rank()
	assert.Equal(t, endpoints("1.0.0.2:1", "1.0.0.1:1", "1.0.0.3:1"), m.Endpoints())
	best, ok := m.Best()
	require.True(t, ok)
	assert.Equal(t, model.Endpoint("1.0.0.2:1"), best)
	assert.Equal(t, 2, m.HealthyCount())
}

func TestManager_BestEmpty(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	m.Merge(endpoints("1.0.0.1:1"))
	_, ok := m.Best()
	assert.False(t, ok)
}

func TestManager_PersistAndLoad(t *testing.T) {
	m, store := newTestManager(t, nil, Options{})
	m.Merge(endpoints("1.0.0.1:1", "1.0.0.2:1"))
	m.Commit("1.0.0.2:1", healthy(7))
	assert.Equal(t, "Never", m.LastUpdate())
	require.NoError(t, m.Persist())

	m2 := NewManager(Options{}, store, &fakeProber{}, nil)
	require.NoError(t, m2.Load())
	assert.Equal(t, m.Snapshot(), m2.Snapshot())
	assert.Equal(t, "Never", m2.LastUpdate())
}

func TestManager_PersistErrorSurfaces(t *testing.T) {
	m, store := newTestManager(t, nil, Options{})
	store.err = errors.New("disk full")
	m.Merge(endpoints("1.0.0.1:1"))

	err := m.Persist()
	require.Error(t, err)
	assert.Equal(t, 1, m.Len(), "in-memory pool stays authoritative")
}

func TestManager_ScannedPoolSurvivesFileRoundTrip(t *testing.T) {
	store := storage.NewFileStorage(filepath.Join(t.TempDir(), "proxies.json"))
	// fakeProber stamps time.Now() with full nanosecond precision
	prober := &fakeProber{fn: func(ep model.Endpoint) model.Result {
		if ep == "1.0.0.2:1" {
			return model.Result{TCPConnect: true}
		}
		return healthy(123.4)
	}}
	m := NewManager(Options{}, store, prober, nil)
	m.Merge(endpoints("1.0.0.1:1", "1.0.0.2:1", "1.0.0.3:1"))
	require.NoError(t, m.ScanAll(context.Background()))

	m2 := NewManager(Options{}, store, &fakeProber{}, nil)
	require.NoError(t, m2.Load())

	before, after := m.Snapshot(), m2.Snapshot()
	require.Len(t, after, len(before))
	for i := range before {
		b, a := before[i], after[i]
		assert.Equal(t, b.Endpoint, a.Endpoint)
		assert.Equal(t, b.Result.TCPConnect, a.Result.TCPConnect)
		assert.Equal(t, b.Result.SOCKS5Handshake, a.Result.SOCKS5Handshake)
		assert.Equal(t, b.Result.RemoteConnect, a.Result.RemoteConnect)
		assert.Equal(t, b.Result.DNSOK, a.Result.DNSOK)
		assert.Equal(t, b.Result.BandwidthKbps, a.Result.BandwidthKbps)
		require.NotNil(t, b.Result.LastChecked)
		require.NotNil(t, a.Result.LastChecked)
		assert.Equal(t, b.Result.LastChecked.UnixNano(), a.Result.LastChecked.UnixNano(), b.Endpoint)
	}

	require.NotNil(t, m.lastUpdate)
	require.NotNil(t, m2.lastUpdate)
	assert.Equal(t, m.lastUpdate.UnixNano(), m2.lastUpdate.UnixNano())
	assert.Equal(t, m.LastUpdate(), m2.LastUpdate())
}
