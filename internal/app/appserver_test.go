package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socks_sentinel/internal/shared/types"
	"socks_sentinel/proxypool/model"
)

func testConfig(t *testing.T) *types.Config {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.WebConf.Port = 0
	cfg.PoolConf.StorePath = filepath.Join(t.TempDir(), "proxies_cache.json")
	cfg.SourcesConf.URLs = nil
	return cfg
}

func TestNewPool_WiresScrapersAndStore(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1.2.3.4:1080\nsocks5://5.6.7.8:9050\ngarbage\n"))
	}))
	defer src.Close()

	cfg := testConfig(t)
	cfg.SourcesConf.URLs = []string{src.URL}

	pool := NewPool(cfg, nil)
	added, err := pool.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []model.Endpoint{"1.2.3.4:1080", "5.6.7.8:9050"}, pool.Endpoints())

	_, err = os.Stat(cfg.PoolConf.StorePath)
	assert.NoError(t, err, "fetch persists the pool")
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScheduleConf.DailyRefreshAt = "25:99"
	_, err := New(cfg, false)
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, true)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// the startup refresh runs against an empty source list and still stamps last_update
	require.Eventually(t, func() bool { return s.Pool().LastUpdate() != "Never" }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
