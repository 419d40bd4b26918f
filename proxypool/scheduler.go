package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/types"
)

// Downstream is the client whose proxy setting the pool feeds. The
// connectivity check only reads its verdict.
type Downstream interface {
	ConnectionStatus(ctx context.Context) string
}

// Scheduler 驱动三个独立的定时任务：每日全量刷新、过期重测、下游连通性检查。
// The first two are submitted to the manager's job queue; the connectivity
// check never touches the pool and runs inline.
type Scheduler struct {
	m          *Manager
	downstream Downstream

	dailyHour, dailyMinute int
	retestEvery            time.Duration
	connectivityEvery      time.Duration
	now                    func() time.Time

	wg sync.WaitGroup
}

// NewScheduler builds a scheduler from the [schedule] section. downstream may be nil.
func NewScheduler(m *Manager, downstream Downstream, cfg types.ScheduleConf) (*Scheduler, error) {
	at := cfg.DailyRefreshAt
	if at == "" {
		at = "20:00"
	}
	h, mm, err := ParseDailyTime(at)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		m:                 m,
		downstream:        downstream,
		dailyHour:         h,
		dailyMinute:       mm,
		retestEvery:       types.Minutes(cfg.RetestIntervalMinutes, 20*time.Minute),
		connectivityEvery: types.Minutes(cfg.ConnectivityIntervalMinutes, 5*time.Minute),
		now:               time.Now,
	}, nil
}

// ParseDailyTime parses an "HH:MM" wall-clock time.
func ParseDailyTime(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid daily time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in daily time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in daily time %q", s)
	}
	return h, m, nil
}

// nextDailyRun returns the next occurrence of hh:mm strictly after now, in now's location.
func nextDailyRun(now time.Time, hh, mm int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches the three loops. They exit when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Scheduler")
	l.Info().
		Str("daily_refresh_at", fmt.Sprintf("%02d:%02d", s.dailyHour, s.dailyMinute)).
		Dur("retest_interval", s.retestEvery).
		Dur("connectivity_interval", s.connectivityEvery).
		Msg("Schedulers initialized.")

	s.wg.Add(3)
	go s.dailyLoop(ctx)
	go s.tickerLoop(ctx, s.retestEvery, s.submitStaleRetest)
	go s.tickerLoop(ctx, s.connectivityEvery, s.checkConnectivity)
}

// Wait blocks until all loops have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dailyLoop(ctx context.Context) {
	defer s.wg.Done()
	l := logger.WithComponent("ProxyPool/Scheduler")

	next := nextDailyRun(s.now(), s.dailyHour, s.dailyMinute)
	timer := time.NewTimer(next.Sub(s.now()))
	defer timer.Stop()
	l.Debug().Time("next_run", next).Msg("Daily refresh armed.")

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			l.Info().Msg("Daily refresh triggered.")
			if err := s.m.Submit(Job{Kind: JobFullRefresh}); err != nil {
				l.Warn().Err(err).Msg("Daily refresh not queued.")
			}
			next = nextDailyRun(s.now(), s.dailyHour, s.dailyMinute)
			timer.Reset(next.Sub(s.now()))
			l.Debug().Time("next_run", next).Msg("Daily refresh re-armed.")
		}
	}
}

func (s *Scheduler) tickerLoop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) submitStaleRetest(context.Context) {
	l := logger.WithComponent("ProxyPool/Scheduler")
	l.Debug().Msg("Stale retest ticker triggered.")
	if err := s.m.Submit(Job{Kind: JobStaleRetest}); err != nil {
		l.Warn().Err(err).Msg("Stale retest not queued.")
	}
}

// checkConnectivity logs the downstream verdict. It never mutates the pool.
func (s *Scheduler) checkConnectivity(ctx context.Context) {
	if s.downstream == nil {
		return
	}
	l := logger.WithComponent("ProxyPool/Scheduler")
	status := s.downstream.ConnectionStatus(ctx)
	l.Info().Str("status", status).Msg("Downstream proxy connection status.")
}
