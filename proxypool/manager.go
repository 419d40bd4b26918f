package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"socks_sentinel/internal/shared/globalstate"
	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/metrics"
	"socks_sentinel/internal/shared/types"
	"socks_sentinel/proxypool/model"
	"socks_sentinel/proxypool/scraper"
	"socks_sentinel/proxypool/storage"
)

var (
	ErrScanInProgress  = errors.New("a full scan is already running")
	ErrEndpointBusy    = errors.New("endpoint is already being probed")
	ErrUnknownEndpoint = errors.New("endpoint is not in the pool")
	ErrQueueFull       = errors.New("job queue is full")
)

// Prober runs the staged health check against one endpoint. Implementations
// must not fail; problems are reported through the returned record.
type Prober interface {
	Probe(ctx context.Context, ep model.Endpoint) model.Result
}

// Options 是 Manager 的运行参数
type Options struct {
	Concurrency      int
	ProbesPerSecond  float64
	QueueSize        int
	JobWorkers       int
	FetchConcurrency int
	StaleAfter       time.Duration
	Now              func() time.Time
}

// OptionsFrom builds Options from the [pool], [schedule] and [sources] sections.
func OptionsFrom(cfg *types.Config) Options {
	return Options{
		Concurrency:      cfg.PoolConf.Concurrency,
		ProbesPerSecond:  cfg.PoolConf.ProbesPerSecond,
		QueueSize:        cfg.PoolConf.QueueSize,
		JobWorkers:       cfg.PoolConf.JobWorkers,
		FetchConcurrency: cfg.SourcesConf.FetchConcurrency,
		StaleAfter:       types.Minutes(cfg.ScheduleConf.StaleAfterMinutes, 20*time.Minute),
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.JobWorkers <= 0 {
		o.JobWorkers = 3
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 4
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 20 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// entry is one pool slot. probeMu is held by whichever trigger is probing
// the endpoint, so at most one in-flight probe ever writes its record.
type entry struct {
	result  model.Result
	probeMu sync.Mutex
}

// Manager 是代理池模块的总控制器。It owns the pool, runs scans and
// single-endpoint retests, and drains the trigger job queue.
type Manager struct {
	opts     Options
	storage  storage.Storage
	prober   Prober
	status   *globalstate.StatusManager
	scrapers []scraper.Scraper
	limiter  *rate.Limiter

	mu         sync.RWMutex
	order      []model.Endpoint
	entries    map[model.Endpoint]*entry
	lastUpdate *time.Time

	persistMu sync.Mutex
	scanning  atomic.Bool

	jobs chan Job
	wg   sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。
func NewManager(opts Options, store storage.Storage, prober Prober, status *globalstate.StatusManager) *Manager {
	opts = opts.withDefaults()
	if status == nil {
		status = globalstate.NewStatusManager()
	}
	m := &Manager{
		opts:    opts,
		storage: store,
		prober:  prober,
		status:  status,
		entries: make(map[model.Endpoint]*entry),
		jobs:    make(chan Job, opts.QueueSize),
	}
	if opts.ProbesPerSecond > 0 {
		// burst 1: probes are spaced evenly from the first one
		m.limiter = rate.NewLimiter(rate.Limit(opts.ProbesPerSecond), 1)
	}
	return m
}

// AddScraper 添加一个抓取器到管理器。
func (m *Manager) AddScraper(s scraper.Scraper) {
	m.scrapers = append(m.scrapers, s)
}

// Progress returns the scan progress tracker shared with the status surface.
func (m *Manager) Progress() globalstate.Progress {
	return m.status.Snapshot(m.Len())
}

// StatusLine returns the one-line human readable scan status.
func (m *Manager) StatusLine() string {
	return m.status.Get()
}

// Load 从存储加载代理池，替换内存中的内容。
func (m *Manager) Load() error {
	snap, err := m.storage.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.order = make([]model.Endpoint, 0, len(snap.Entries))
	m.entries = make(map[model.Endpoint]*entry, len(snap.Entries))
	for _, e := range snap.Entries {
		if _, dup := m.entries[e.Endpoint]; dup {
			continue
		}
		m.order = append(m.order, e.Endpoint)
		m.entries[e.Endpoint] = &entry{result: e.Result.Clone()}
	}
	m.lastUpdate = snap.LastUpdate
	size := len(m.order)
	m.mu.Unlock()

	metrics.PoolSize.Set(float64(size))
	return nil
}

// Persist writes the whole pool to storage. Writers are serialized so a
// slower, older snapshot can never overwrite a newer one.
func (m *Manager) Persist() error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	snap := storage.Snapshot{
		Entries:    m.snapshotLocked(),
		LastUpdate: m.lastUpdate,
	}
	m.mu.RUnlock()

	if err := m.storage.Save(snap); err != nil {
		metrics.PersistErrors.Inc()
		l := logger.WithComponent("ProxyPool/Manager")
		l.Error().Err(err).Msg("Failed to save proxies to storage.")
		return err
	}
	return nil
}

// Snapshot returns a copy of every entry in pool order.
func (m *Manager) Snapshot() []model.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []model.Entry {
	out := make([]model.Entry, 0, len(m.order))
	for _, ep := range m.order {
		out = append(out, model.Entry{Endpoint: ep, Result: m.entries[ep].result.Clone()})
	}
	return out
}

// Endpoints returns the pool keys in pool order.
func (m *Manager) Endpoints() []model.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Endpoint(nil), m.order...)
}

// Get returns the record for ep.
func (m *Manager) Get(ep model.Endpoint) (model.Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[ep]
	if !ok {
		return model.Result{}, false
	}
	return e.result.Clone(), true
}

// Len returns the number of endpoints in the pool.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// HealthyCount returns how many entries are fully healthy.
func (m *Manager) HealthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.result.FullyHealthy() {
			n++
		}
	}
	return n
}

// LastUpdate returns the time of the last completed full scan, or "Never".
func (m *Manager) LastUpdate() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return storage.FormatLastUpdate(m.lastUpdate)
}

// Best returns the first fully healthy endpoint in pool order. After a
// re-rank that is the healthy endpoint with the highest bandwidth.
func (m *Manager) Best() (model.Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ep := range m.order {
		if m.entries[ep].result.FullyHealthy() {
			return ep, true
		}
	}
	return "", false
}

// Merge appends endpoints not yet in the pool with an empty record and
// returns how many were added. Existing records are left untouched.
func (m *Manager) Merge(eps []model.Endpoint) int {
	m.mu.Lock()
	added := 0
	for _, ep := range eps {
		if _, ok := m.entries[ep]; ok {
			continue
		}
		m.entries[ep] = &entry{}
		m.order = append(m.order, ep)
		added++
	}
	size := len(m.order)
	m.mu.Unlock()

	metrics.PoolSize.Set(float64(size))
	return added
}

// Commit replaces the record of ep in one step. It reports false when ep is
// not in the pool. LastChecked is cut to whole seconds, the precision of the
// store, so a persisted pool loads back unchanged.
func (m *Manager) Commit(ep model.Endpoint, res model.Result) bool {
	res = res.Clone()
	if res.LastChecked != nil {
		*res.LastChecked = res.LastChecked.Truncate(time.Second)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ep]
	if !ok {
		return false
	}
	e.result = res
	return true
}

// Rank reorders the pool: fully healthy first, then by bandwidth descending.
// Records themselves are not touched.
func (m *Manager) Rank() {
	m.mu.Lock()
	ranked := Rank(m.snapshotLocked())
	healthy := 0
	for i, e := range ranked {
		m.order[i] = e.Endpoint
		if e.Result.FullyHealthy() {
			healthy++
		}
	}
	m.mu.Unlock()

	metrics.HealthyProxies.Set(float64(healthy))
}

// lookup returns the slot for ep, for callers that need its probe lock.
func (m *Manager) lookup(ep model.Endpoint) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[ep]
	return e, ok
}

func (m *Manager) stampLastUpdate() {
	now := m.opts.Now().Truncate(time.Second)
	m.mu.Lock()
	m.lastUpdate = &now
	m.mu.Unlock()
}
