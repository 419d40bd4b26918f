package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socks_sentinel/internal/shared/globalstate"
	"socks_sentinel/proxypool/model"
	"socks_sentinel/proxypool/scraper"
)

func manyEndpoints(n int) []model.Endpoint {
	out := make([]model.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Endpoint(fmt.Sprintf("10.0.%d.%d:%d", i/250, i%250+1, 1000+i)))
	}
	return out
}

// bandwidthFor gives every endpoint a distinct, recognisable bandwidth.
func bandwidthFor(ep model.Endpoint) float64 {
	var sum float64
	for _, c := range ep {
		sum = sum*31 + float64(c)
	}
	for sum > 1e6 {
		sum /= 7
	}
	return sum
}

func TestScan_UpdatesEveryRecordAtomically(t *testing.T) {
	const total = 40
	for _, n := range []int{1, 5, total} {
		t.Run(fmt.Sprintf("concurrency=%d", n), func(t *testing.T) {
			prober := &fakeProber{fn: func(ep model.Endpoint) model.Result {
				time.Sleep(time.Millisecond)
				return healthy(bandwidthFor(ep))
			}}
			m, store := newTestManager(t, prober, Options{Concurrency: n})
			eps := manyEndpoints(total)
			m.Merge(eps)

			require.NoError(t, m.ScanAll(context.Background()))

			assert.Len(t, prober.called(), total)
			assert.LessOrEqual(t, prober.maxFlight, n)
			for _, ep := range eps {
				res, ok := m.Get(ep)
				require.True(t, ok)
				assert.True(t, res.FullyHealthy(), ep)
				assert.Equal(t, bandwidthFor(ep), res.Bandwidth(), ep)
				assert.NotNil(t, res.LastChecked, ep)
			}

			snap, saves := store.saved()
			assert.Equal(t, 1, saves)
			assert.Len(t, snap.Entries, total)
			assert.NotNil(t, snap.LastUpdate)
			assert.NotEqual(t, "Never", m.LastUpdate())
			assert.Equal(t, globalstate.PhaseIdle, m.Progress().Phase)
			assert.Equal(t, total, m.Progress().Total)
		})
	}
}

func TestScan_RanksAfterBarrier(t *testing.T) {
	bw := map[model.Endpoint]model.Result{
		"1.0.0.1:1": healthy(500),
		"1.0.0.2:1": healthy(900),
		"1.0.0.3:1": {TCPConnect: true},
	}
	prober := &fakeProber{fn: func(ep model.Endpoint) model.Result { return bw[ep].Clone() }}
	m, store := newTestManager(t, prober, Options{Concurrency: 3})
	m.Merge(endpoints("1.0.0.3:1", "1.0.0.1:1", "1.0.0.2:1"))

	require.NoError(t, m.ScanAll(context.Background()))

	want := endpoints("1.0.0.2:1", "1.0.0.1:1", "1.0.0.3:1")
	assert.Equal(t, want, m.Endpoints())
	snap, _ := store.saved()
	require.Len(t, snap.Entries, 3)
	for i, e := range snap.Entries {
		assert.Equal(t, want[i], e.Endpoint)
	}
}

func TestScan_PersistErrorIsReturned(t *testing.T) {
	prober := &fakeProber{fn: func(model.Endpoint) model.Result { return healthy(1) }}
	m, store := newTestManager(t, prober, Options{})
	store.err = errors.New("read-only file system")
	m.Merge(endpoints("1.0.0.1:1"))

	err := m.ScanAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")

	res, _ := m.Get("1.0.0.1:1")
	assert.True(t, res.FullyHealthy())
}

// blockingProber parks probes of one endpoint until released. Every call
// gets the next sequence number as its bandwidth, so the last committed
// record shows which call wrote it.
type blockingProber struct {
	block   model.Endpoint
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu        sync.Mutex
	seq       int
	calls     map[model.Endpoint]int
	inFlight  map[model.Endpoint]int
	maxFlight int
}

func newBlockingProber(ep model.Endpoint) *blockingProber {
	return &blockingProber{
		block:    ep,
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		calls:    map[model.Endpoint]int{},
		inFlight: map[model.Endpoint]int{},
	}
}

func (p *blockingProber) Probe(_ context.Context, ep model.Endpoint) model.Result {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.calls[ep]++
	p.inFlight[ep]++
	if p.inFlight[ep] > p.maxFlight {
		p.maxFlight = p.inFlight[ep]
	}
	p.mu.Unlock()

	if ep == p.block {
		p.once.Do(func() { close(p.started) })
		<-p.release
	}

	p.mu.Lock()
	p.inFlight[ep]--
	p.mu.Unlock()

	now := time.Now()
	res := healthy(float64(seq))
	res.LastChecked = &now
	return res
}

func (p *blockingProber) stats(ep model.Endpoint) (calls, maxFlight int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ep], p.maxFlight
}

func TestScan_ExclusivityAndBusyEndpoint(t *testing.T) {
	prober := newBlockingProber("1.0.0.1:1")
	m, _ := newTestManager(t, prober, Options{Concurrency: 1})
	m.Merge(endpoints("1.0.0.1:1", "1.0.0.2:1"))

	done := make(chan error, 1)
	go func() { done <- m.ScanAll(context.Background()) }()
	<-prober.started

	assert.True(t, m.Scanning())
	assert.ErrorIs(t, m.ScanAll(context.Background()), ErrScanInProgress)
	assert.ErrorIs(t, m.RefreshAll(context.Background()), ErrScanInProgress)
	assert.ErrorIs(t, m.Submit(Job{Kind: JobFullRefresh}), ErrScanInProgress)

	_, err := m.Retest(context.Background(), "1.0.0.1:1")
	assert.ErrorIs(t, err, ErrEndpointBusy)

	p := m.Progress()
	assert.Equal(t, globalstate.PhaseTesting, p.Phase)
	require.NotNil(t, p.CurrentProxy)
	assert.Equal(t, "1.0.0.1:1", *p.CurrentProxy)
	assert.Equal(t, "Testing proxy 1 of 2: 1.0.0.1:1", m.StatusLine())

	close(prober.release)
	require.NoError(t, <-done)
	assert.False(t, m.Scanning())
	assert.Equal(t, "Idle", m.StatusLine())
}

func TestRetest_UnknownEndpoint(t *testing.T) {
	m, _ := newTestManager(t, nil, Options{})
	_, err := m.Retest(context.Background(), "9.9.9.9:9")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestRetest_CommitsWithoutRankOrPersist(t *testing.T) {
	prober := &fakeProber{fn: func(model.Endpoint) model.Result { return healthy(300) }}
	m, store := newTestManager(t, prober, Options{})
	m.Merge(endpoints("1.0.0.1:1", "1.0.0.2:1"))

	res, err := m.Retest(context.Background(), "1.0.0.2:1")
	require.NoError(t, err)
	assert.True(t, res.FullyHealthy())

	stored, _ := m.Get("1.0.0.2:1")
	assert.True(t, stored.FullyHealthy())
	assert.Equal(t, endpoints("1.0.0.1:1", "1.0.0.2:1"), m.Endpoints())
	_, saves := store.saved()
	assert.Equal(t, 0, saves)
	assert.Equal(t, "Never", m.LastUpdate())
}

func TestRetestStale_SkipsFreshProbesOld(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	prober := &fakeProber{fn: func(model.Endpoint) model.Result { return healthy(5) }}
	m, store := newTestManager(t, prober, Options{
		StaleAfter: 20 * time.Minute,
		Now:        func() time.Time { return now },
	})
	m.Merge(endpoints("10.0.0.1:1", "10.0.0.2:1"))
	fresh := now.Add(-10 * time.Minute)
	old := now.Add(-25 * time.Minute)
	m.Commit("10.0.0.1:1", model.Result{TCPConnect: true, LastChecked: &fresh})
	m.Commit("10.0.0.2:1", model.Result{TCPConnect: true, LastChecked: &old})

	n, err := m.RetestStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, endpoints("10.0.0.2:1"), prober.called())

	untouched, _ := m.Get("10.0.0.1:1")
	require.NotNil(t, untouched.LastChecked)
	assert.True(t, untouched.LastChecked.Equal(fresh))

	_, saves := store.saved()
	assert.Equal(t, 1, saves)
}

func TestRetestStale_NothingDue(t *testing.T) {
	now := time.Now()
	prober := &fakeProber{}
	m, store := newTestManager(t, prober, Options{Now: func() time.Time { return now }})
	m.Merge(endpoints("10.0.0.1:1"))
	m.Commit("10.0.0.1:1", model.Result{LastChecked: &now})

	n, err := m.RetestStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, prober.called())
	_, saves := store.saved()
	assert.Equal(t, 0, saves)
}

func TestRetestStale_SkipsEndpointUnderScan(t *testing.T) {
	prober := newBlockingProber("1.0.0.1:1")
	m, _ := newTestManager(t, prober, Options{Concurrency: 1})
	m.Merge(endpoints("1.0.0.1:1"))

	done := make(chan error, 1)
	go func() { done <- m.ScanAll(context.Background()) }()
	<-prober.started

	n, err := m.RetestStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(prober.release)
	require.NoError(t, <-done)
}

func TestFetch_ScenarioAndIdempotence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "10.0.0.1:1080\n10.0.0.2:1081")
	}))
	defer srv.Close()

	m, store := newTestManager(t, nil, Options{})
	m.AddScraper(scraper.NewTextListScraper(srv.URL, time.Second))

	added, err := m.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, endpoints("10.0.0.1:1080", "10.0.0.2:1081"), m.Endpoints())
	for _, e := range m.Snapshot() {
		assert.Equal(t, model.Result{}, e.Result)
	}
	_, saves := store.saved()
	assert.Equal(t, 1, saves)

	m.Commit("10.0.0.1:1080", healthy(77))
	added, err = m.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, m.Len())
	res, _ := m.Get("10.0.0.1:1080")
	assert.Equal(t, 77.0, res.Bandwidth())
}

func TestRefreshAll_FetchesThenScans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "socks5://10.0.0.1:1080\n10.0.0.2:1081\n")
	}))
	defer srv.Close()

	prober := &fakeProber{fn: func(model.Endpoint) model.Result { return healthy(10) }}
	m, store := newTestManager(t, prober, Options{})
	m.AddScraper(scraper.NewTextListScraper(srv.URL, time.Second))

	require.NoError(t, m.RefreshAll(context.Background()))
	assert.ElementsMatch(t, endpoints("10.0.0.1:1080", "10.0.0.2:1081"), prober.called())
	assert.Equal(t, 2, m.HealthyCount())
	_, saves := store.saved()
	assert.Equal(t, 2, saves, "one persist after merge, one after scan")
}

func TestScan_CancelledLeavesLastUpdate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := &fakeProber{}
	m, _ := newTestManager(t, prober, Options{})
	m.Merge(endpoints("1.0.0.1:1"))

	err := m.ScanAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Never", m.LastUpdate())
	res, _ := m.Get("1.0.0.1:1")
	assert.Nil(t, res.LastChecked)
}

func TestScan_WaitsForEndpointHeldByRetest(t *testing.T) {
	const ep = model.Endpoint("1.0.0.1:1")
	prober := newBlockingProber(ep)
	m, _ := newTestManager(t, prober, Options{Concurrency: 1})
	m.Merge(endpoints(ep))

	retested := make(chan error, 1)
	go func() {
		_, err := m.Retest(context.Background(), ep)
		retested <- err
	}()
	<-prober.started

	scanned := make(chan error, 1)
	go func() { scanned <- m.ScanAll(context.Background()) }()

	// dispatched, then parked on the endpoint's probe lock
	require.Eventually(t, func() bool {
		return m.StatusLine() == "Testing proxy 1 of 1: 1.0.0.1:1"
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case err := <-scanned:
		t.Fatalf("scan finished while the endpoint was held: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	calls, _ := prober.stats(ep)
	assert.Equal(t, 1, calls, "scan must not probe a held endpoint")
	res, _ := m.Get(ep)
	assert.Nil(t, res.LastChecked, "nothing committed yet")

	close(prober.release)
	require.NoError(t, <-retested)
	require.NoError(t, <-scanned)

	calls, maxFlight := prober.stats(ep)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, maxFlight, "one probe in flight per endpoint")
	res, _ = m.Get(ep)
	assert.Equal(t, 2.0, res.Bandwidth(), "the scan commits after the retest")
	assert.NotEqual(t, "Never", m.LastUpdate())
}

func TestScan_RateLimited(t *testing.T) {
	prober := &fakeProber{fn: func(ep model.Endpoint) model.Result { return healthy(bandwidthFor(ep)) }}
	m, _ := newTestManager(t, prober, Options{Concurrency: 5, ProbesPerSecond: 50})
	eps := manyEndpoints(10)
	m.Merge(eps)

	start := time.Now()
	require.NoError(t, m.ScanAll(context.Background()))
	elapsed := time.Since(start)

	// 10 probes at 50/s: the first is free, the other nine wait 20ms each
	assert.GreaterOrEqual(t, elapsed, 160*time.Millisecond)
	assert.Len(t, prober.called(), 10)
	for _, ep := range eps {
		res, ok := m.Get(ep)
		require.True(t, ok)
		require.NotNil(t, res.LastChecked, ep)
		assert.Equal(t, bandwidthFor(ep), res.Bandwidth(), ep)
	}
	assert.NotEqual(t, "Never", m.LastUpdate())
}

func TestScan_CancelledWhileRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := &fakeProber{fn: func(model.Endpoint) model.Result {
		cancel()
		return healthy(1)
	}}
	m, _ := newTestManager(t, prober, Options{Concurrency: 1, ProbesPerSecond: 1})
	m.Merge(manyEndpoints(3))

	err := m.ScanAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, prober.called(), 1, "the limiter wait ends on cancel")
	assert.Equal(t, "Never", m.LastUpdate())
	assert.False(t, m.Scanning())
}

func TestScan_LimiterDeadlineCountsAsInterrupted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	prober := &fakeProber{}
	// the second slot is 10s away, past the deadline, so the limiter refuses at once
	m, store := newTestManager(t, prober, Options{Concurrency: 1, ProbesPerSecond: 0.1})
	m.Merge(manyEndpoints(3))

	err := m.ScanAll(ctx)
	require.Error(t, err)
	assert.Len(t, prober.called(), 1)
	assert.Equal(t, "Never", m.LastUpdate())
	_, saves := store.saved()
	assert.Equal(t, 1, saves, "the partial result is still persisted")
}
