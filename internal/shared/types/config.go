package types

import "time"

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
	JSON  bool   `ini:"json"`
}

// WebConf configures the status/progress HTTP surface. Port 0 disables it.
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// PoolConf 包含代理池本身的行为配置
type PoolConf struct {
	StorePath       string  `ini:"store_path"`
	Concurrency     int     `ini:"concurrency"`
	ProbesPerSecond float64 `ini:"probes_per_second"` // 0 = unlimited
	QueueSize       int     `ini:"queue_size"`
	JobWorkers      int     `ini:"job_workers"`
}

// ProbeConf holds the per-stage timeouts and fixed targets of the probe.
type ProbeConf struct {
	ConnectTimeoutSeconds   int    `ini:"connect_timeout_seconds"`
	HandshakeTimeoutSeconds int    `ini:"handshake_timeout_seconds"`
	BandwidthTimeoutSeconds int    `ini:"bandwidth_timeout_seconds"`
	RemoteTarget            string `ini:"remote_target"`
	BandwidthURL            string `ini:"bandwidth_url"`
	BandwidthBytes          int64  `ini:"bandwidth_bytes"`
}

// ScheduleConf 定义三个定时任务的节奏
type ScheduleConf struct {
	DailyRefreshAt              string `ini:"daily_refresh_at"` // "HH:MM", local time
	RetestIntervalMinutes       int    `ini:"retest_interval_minutes"`
	StaleAfterMinutes           int    `ini:"stale_after_minutes"`
	ConnectivityIntervalMinutes int    `ini:"connectivity_interval_minutes"`
}

// SourcesConf lists the remote candidate lists.
type SourcesConf struct {
	URLs                []string `ini:"urls" delim:","`
	HTMLURLs            []string `ini:"html_urls" delim:","`
	FetchTimeoutSeconds int      `ini:"fetch_timeout_seconds"`
	FetchConcurrency    int      `ini:"fetch_concurrency"`
}

// QBittorrentConf is the downstream client whose proxy setting is managed.
type QBittorrentConf struct {
	Host     string `ini:"host"`
	Port     int    `ini:"port"`
	Username string `ini:"username"`
	Password string `ini:"password"`
}

// Config 是项目的统一配置结构体
type Config struct {
	LogConf         `ini:"log"`
	WebConf         `ini:"web"`
	PoolConf        `ini:"pool"`
	ProbeConf       `ini:"probe"`
	ScheduleConf    `ini:"schedule"`
	SourcesConf     `ini:"sources"`
	QBittorrentConf `ini:"qbittorrent"`
}

// DefaultSourceURLs are the public SOCKS5 lists used when none are configured.
var DefaultSourceURLs = []string{
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt",
	"https://raw.githubusercontent.com/jetkai/proxy-list/main/online-proxies/txt/proxies-socks5.txt",
	"https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/socks5.txt",
	"https://raw.githubusercontent.com/hookzof/socks5_list/master/proxy.txt",
}

// DefaultConfig returns the configuration used before the ini file and
// environment are applied on top.
func DefaultConfig() *Config {
	return &Config{
		LogConf: LogConf{Level: "info"},
		WebConf: WebConf{Port: 4141},
		PoolConf: PoolConf{
			StorePath:   "proxies_cache.json",
			Concurrency: 5,
			QueueSize:   16,
			JobWorkers:  3,
		},
		ProbeConf: ProbeConf{
			ConnectTimeoutSeconds:   5,
			HandshakeTimeoutSeconds: 7,
			BandwidthTimeoutSeconds: 15,
			RemoteTarget:            "8.8.8.8:53",
			BandwidthURL:            "http://speedtest.tele2.net/1MB.zip",
			BandwidthBytes:          1 << 20,
		},
		ScheduleConf: ScheduleConf{
			DailyRefreshAt:              "20:00",
			RetestIntervalMinutes:       20,
			StaleAfterMinutes:           20,
			ConnectivityIntervalMinutes: 5,
		},
		SourcesConf: SourcesConf{
			URLs:                append([]string(nil), DefaultSourceURLs...),
			FetchTimeoutSeconds: 10,
			FetchConcurrency:    4,
		},
		QBittorrentConf: QBittorrentConf{
			Host: "localhost",
			Port: 7070,
		},
	}
}

// Seconds converts an integer seconds setting, falling back to def when unset.
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// Minutes converts an integer minutes setting, falling back to def when unset.
func Minutes(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Minute
}
