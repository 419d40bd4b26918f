package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"socks_sentinel/internal/downstream/qbittorrent"
	"socks_sentinel/internal/service/web"
	"socks_sentinel/internal/shared/globalstate"
	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/types"
	manager "socks_sentinel/proxypool"
	"socks_sentinel/proxypool/scraper"
	"socks_sentinel/proxypool/storage"
	"socks_sentinel/proxypool/validator"
)

// progressInterval 是扫描期间通过 WebSocket 推送进度的间隔
const progressInterval = time.Second

// AppServer is the application's main struct. It owns the pool manager and
// every long-running loop around it.
type AppServer struct {
	cfg *types.Config

	status      *globalstate.StatusManager
	pool        *manager.Manager
	qb          *qbittorrent.Client
	scheduler   *manager.Scheduler
	hub         *web.Hub
	handler     *web.Handler
	refreshOnUp bool

	waitGroup sync.WaitGroup
}

// NewPool builds the pool manager with its store, prober and scrapers from
// cfg. The CLI uses it directly for the one-shot commands.
func NewPool(cfg *types.Config, status *globalstate.StatusManager) *manager.Manager {
	store := storage.NewFileStorage(cfg.PoolConf.StorePath)
	prober := validator.NewValidator(validator.ConfigFrom(cfg.ProbeConf))
	m := manager.NewManager(manager.OptionsFrom(cfg), store, prober, status)

	timeout := types.Seconds(cfg.SourcesConf.FetchTimeoutSeconds, 10*time.Second)
	for _, u := range cfg.SourcesConf.URLs {
		m.AddScraper(scraper.NewTextListScraper(u, timeout))
	}
	for _, u := range cfg.SourcesConf.HTMLURLs {
		m.AddScraper(scraper.NewHTMLPageScraper(u, timeout))
	}
	return m
}

// New creates the server. refreshOnStart queues one full refresh as soon as
// the job workers are up.
func New(cfg *types.Config, refreshOnStart bool) (*AppServer, error) {
	s := &AppServer{
		cfg:         cfg,
		status:      globalstate.NewStatusManager(),
		qb:          qbittorrent.FromConfig(cfg.QBittorrentConf),
		hub:         web.NewHub(),
		refreshOnUp: refreshOnStart,
	}
	s.pool = NewPool(cfg, s.status)

	sched, err := manager.NewScheduler(s.pool, s.qb, cfg.ScheduleConf)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	s.scheduler = sched
	s.handler = web.NewHandler(s.pool, s.qb)
	return s, nil
}

// Pool exposes the manager, mainly for tests.
func (s *AppServer) Pool() *manager.Manager {
	return s.pool
}

// Run is the server's entry point. It loads the pool, starts the job
// workers, scheduler, hub and web API, then blocks until ctx is done and
// every goroutine has exited.
func (s *AppServer) Run(ctx context.Context) error {
	l := logger.WithComponent("AppServer")
	l.Info().Msg("Starting socks sentinel...")

	if err := s.pool.Load(); err != nil {
		return fmt.Errorf("failed to load proxy pool: %w", err)
	}
	l.Info().
		Int("proxies", s.pool.Len()).
		Int("healthy", s.pool.HealthyCount()).
		Str("last_update", s.pool.LastUpdate()).
		Msg("Proxy pool loaded.")

	s.pool.Start(ctx)
	s.scheduler.Start(ctx)

	s.waitGroup.Add(2)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.waitGroup.Done()
		s.hub.RunProgressPump(ctx, s.pool.Progress, progressInterval)
	}()

	if err := web.StartServer(ctx, &s.waitGroup, s.cfg.WebConf, s.handler, s.hub); err != nil {
		// 已启动的 goroutine 依赖 ctx 退出，由调用方取消
		return err
	}

	if s.refreshOnUp {
		if err := s.pool.Submit(manager.Job{Kind: manager.JobFullRefresh}); err != nil {
			l.Warn().Err(err).Msg("Could not queue the startup refresh.")
		}
	}

	<-ctx.Done()
	l.Info().Msg("Shutting down...")
	s.Wait()
	l.Info().Msg("All services stopped.")
	return nil
}

// Wait blocks until the job workers, scheduler loops, hub and web server
// have returned.
func (s *AppServer) Wait() {
	s.pool.Wait()
	s.scheduler.Wait()
	s.waitGroup.Wait()
}
