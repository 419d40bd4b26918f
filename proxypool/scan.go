package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/metrics"
	"socks_sentinel/proxypool/model"
	"socks_sentinel/proxypool/scraper"
)

// Fetch pulls every configured source, merges new endpoints into the pool
// and persists. Failing sources are skipped; only a persist failure is
// returned.
func (m *Manager) Fetch(ctx context.Context) (int, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	eps := scraper.FetchAll(ctx, m.scrapers, m.opts.FetchConcurrency)
	added := m.Merge(eps)
	l.Info().Int("fetched", len(eps)).Int("added", added).Int("pool_size", m.Len()).Msg("Merged fetched proxies into pool.")

	if err := m.Persist(); err != nil {
		return added, err
	}
	return added, nil
}

// RefreshAll 执行一个完整的“抓取 -> 合并 -> 全量测试 -> 排序 -> 存储”周期。
// It holds full-scan exclusivity for the whole cycle.
func (m *Manager) RefreshAll(ctx context.Context) error {
	if !m.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer m.scanning.Store(false)

	scanID := uuid.NewString()
	m.status.BeginFetch(scanID)
	if _, err := m.Fetch(ctx); err != nil {
		m.status.Reset()
		return err
	}
	return m.runScan(ctx, scanID, m.Endpoints())
}

// Scan probes eps with the bounded worker pool, then re-ranks, stamps
// last_update and persists. A second Scan while one is running returns
// ErrScanInProgress without touching the pool.
func (m *Manager) Scan(ctx context.Context, eps []model.Endpoint) error {
	if !m.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer m.scanning.Store(false)

	return m.runScan(ctx, uuid.NewString(), eps)
}

// ScanAll scans every endpoint currently in the pool.
func (m *Manager) ScanAll(ctx context.Context) error {
	return m.Scan(ctx, m.Endpoints())
}

// Scanning reports whether a full scan is in flight.
func (m *Manager) Scanning() bool {
	return m.scanning.Load()
}

func (m *Manager) runScan(ctx context.Context, scanID string, eps []model.Endpoint) error {
	l := logger.WithComponent("ProxyPool/Manager").With().Str("scan_id", scanID).Logger()
	start := time.Now()

	l.Info().Int("count", len(eps)).Int("concurrency", m.opts.Concurrency).Msg("Starting scan...")
	m.status.BeginTesting(scanID, len(eps))

	work := make(chan model.Endpoint)
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ep := range work {
				m.scanOne(ctx, ep)
			}
		}()
	}

	// interrupted is set when not every endpoint was handed to a worker.
	// The limiter gives up early when the ctx deadline is closer than the
	// next free slot, before ctx itself is done.
	var interrupted error
feed:
	for _, ep := range eps {
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				interrupted = err
				break feed
			}
		}
		select {
		case work <- ep:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		interrupted = err
	}

	m.status.Reset()
	m.Rank()
	if interrupted == nil {
		m.stampLastUpdate()
	}
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	if err := m.Persist(); err != nil {
		return err
	}
	if interrupted != nil {
		l.Warn().Err(interrupted).Msg("Scan interrupted, last_update left unchanged.")
		return interrupted
	}
	l.Info().Int("healthy", m.HealthyCount()).Dur("took", time.Since(start)).Msg("Scan finished.")
	return nil
}

// scanOne probes one endpoint for a full scan. The full scan waits for the
// endpoint's probe lock rather than skipping it.
func (m *Manager) scanOne(ctx context.Context, ep model.Endpoint) {
	defer m.status.Complete()
	if ctx.Err() != nil {
		return
	}
	e, ok := m.lookup(ep)
	if !ok {
		return
	}
	m.status.Dispatch(ep.String())

	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	res := m.prober.Probe(ctx, ep)
	if ctx.Err() != nil {
		return
	}
	m.Commit(ep, res)
}

// Retest probes a single endpoint outside the worker pool and progress
// tracking. Only that record is committed; nothing is re-ranked or persisted.
func (m *Manager) Retest(ctx context.Context, ep model.Endpoint) (model.Result, error) {
	e, ok := m.lookup(ep)
	if !ok {
		return model.Result{}, ErrUnknownEndpoint
	}
	if !e.probeMu.TryLock() {
		return model.Result{}, ErrEndpointBusy
	}
	defer e.probeMu.Unlock()

	res := m.prober.Probe(ctx, ep)
	m.Commit(ep, res)
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().
		Str("endpoint", ep.String()).
		Bool("healthy", res.FullyHealthy()).
		Msg("Retested proxy.")
	return res, nil
}

// RetestStale re-probes every entry never checked or last checked more than
// StaleAfter ago, skipping endpoints another trigger is already probing. The
// pool is persisted when at least one record changed. It returns the number
// of endpoints probed.
func (m *Manager) RetestStale(ctx context.Context) (int, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	now := m.opts.Now()
	var due []model.Endpoint
	for _, e := range m.Snapshot() {
		if e.Result.IsStale(now, m.opts.StaleAfter) {
			due = append(due, e.Endpoint)
		}
	}
	if len(due) == 0 {
		l.Debug().Msg("No stale proxies to retest.")
		return 0, nil
	}
	l.Info().Int("count", len(due)).Msg("Retesting stale proxies.")

	var (
		mu     sync.Mutex
		probed int
	)
	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)
	for _, ep := range due {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			e, ok := m.lookup(ep)
			if !ok || !e.probeMu.TryLock() {
				return nil
			}
			defer e.probeMu.Unlock()

			res := m.prober.Probe(ctx, ep)
			if ctx.Err() != nil {
				return nil
			}
			m.Commit(ep, res)
			mu.Lock()
			probed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if probed == 0 {
		return 0, nil
	}
	l.Info().Int("probed", probed).Msg("Stale retest finished.")
	return probed, m.Persist()
}
