package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"socks_sentinel/internal/shared"
	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/metrics"
	"socks_sentinel/internal/shared/types"
	"socks_sentinel/proxypool/model"
)

const (
	defaultRemoteTarget   = "8.8.8.8:53"
	defaultBandwidthURL   = "http://speedtest.tele2.net/1MB.zip"
	defaultBandwidthBytes = 1 << 20
	bandwidthChunkSize    = 32 * 1024
)

// dnsProbePayload is a TCP-framed DNS query for the root NS records. The
// reply is never read; a successful write is all the payload stage checks.
var dnsProbePayload = []byte{
	0x00, 0x11, // length prefix
	0x53, 0x4e, 0x01, 0x00, // id, flags (RD)
	0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // qd=1 an=0 ns=0 ar=0
	0x00,       // root name
	0x00, 0x02, // type NS
	0x00, 0x01, // class IN
}

// Config holds the probe stage timeouts and fixed targets.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	BandwidthTimeout time.Duration
	RemoteTarget     string
	BandwidthURL     string
	BandwidthBytes   int64
}

// ConfigFrom converts the [probe] ini section, applying defaults for unset values.
func ConfigFrom(c types.ProbeConf) Config {
	cfg := Config{
		ConnectTimeout:   types.Seconds(c.ConnectTimeoutSeconds, 5*time.Second),
		HandshakeTimeout: types.Seconds(c.HandshakeTimeoutSeconds, 7*time.Second),
		BandwidthTimeout: types.Seconds(c.BandwidthTimeoutSeconds, 15*time.Second),
		RemoteTarget:     c.RemoteTarget,
		BandwidthURL:     c.BandwidthURL,
		BandwidthBytes:   c.BandwidthBytes,
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 7 * time.Second
	}
	if c.BandwidthTimeout <= 0 {
		c.BandwidthTimeout = 15 * time.Second
	}
	if c.RemoteTarget == "" {
		c.RemoteTarget = defaultRemoteTarget
	}
	if c.BandwidthURL == "" {
		c.BandwidthURL = defaultBandwidthURL
	}
	if c.BandwidthBytes <= 0 {
		c.BandwidthBytes = defaultBandwidthBytes
	}
	return c
}

// Validator runs the staged health probe against a single endpoint.
// It holds configuration only and is safe for concurrent use.
type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

// Probe runs TCP connect, SOCKS5 handshake and remote CONNECT, payload write
// and bandwidth measurement in order, stopping at the first failed stage.
// It never fails: every problem is recorded as a false or nil stage, and
// LastChecked is always stamped.
func (v *Validator) Probe(ctx context.Context, ep model.Endpoint) (res model.Result) {
	l := logger.WithComponent("ProxyPool/Validator")
	defer func() {
		if r := recover(); r != nil {
			l.Error().Str("endpoint", ep.String()).Interface("panic", r).Msg("Probe panicked, recording as failed.")
			res = model.Result{}
		}
		// the store keeps whole seconds
		now := time.Now().Truncate(time.Second)
		res.LastChecked = &now
		if res.FullyHealthy() {
			metrics.ProbesTotal.WithLabelValues("healthy").Inc()
		} else {
			metrics.ProbesTotal.WithLabelValues("unhealthy").Inc()
		}
	}()

	// 1. TCP connect
	if err := v.checkTCP(ctx, ep); err != nil {
		metrics.ProbeStageFailures.WithLabelValues("tcp_connect").Inc()
		l.Debug().Err(err).Str("endpoint", ep.String()).Msg("TCP connect failed.")
		return res
	}
	res.TCPConnect = true

	// 2. SOCKS5 handshake + CONNECT to the remote target
	dialer, err := v.socksDialer(ep)
	if err != nil {
		metrics.ProbeStageFailures.WithLabelValues("socks5_handshake").Inc()
		l.Debug().Err(err).Str("endpoint", ep.String()).Msg("SOCKS5 dialer setup failed.")
		return res
	}
	hsCtx, cancel := context.WithTimeout(ctx, v.cfg.HandshakeTimeout)
	conn, err := dialer.DialContext(hsCtx, "tcp", v.cfg.RemoteTarget)
	cancel()
	if err != nil {
		metrics.ProbeStageFailures.WithLabelValues("socks5_handshake").Inc()
		l.Debug().Err(err).Str("endpoint", ep.String()).Msg("SOCKS5 handshake failed.")
		return res
	}
	res.SOCKS5Handshake = true
	res.RemoteConnect = true

	// 3. Payload write on the relayed connection
	if err := v.writePayload(conn); err != nil {
		metrics.ProbeStageFailures.WithLabelValues("dns_ok").Inc()
		l.Debug().Err(err).Str("endpoint", ep.String()).Msg("Payload write failed.")
	} else {
		res.DNSOK = true
	}
	conn.Close()

	// 4. Bandwidth
	kbps, err := v.measureBandwidth(ctx, dialer)
	if err != nil {
		metrics.ProbeStageFailures.WithLabelValues("bandwidth").Inc()
		l.Debug().Err(err).Str("endpoint", ep.String()).Msg("Bandwidth measurement failed.")
		return res
	}
	res.BandwidthKbps = &kbps
	return res
}

func (v *Validator) checkTCP(ctx context.Context, ep model.Endpoint) error {
	d := &net.Dialer{Timeout: v.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return err
	}
	return conn.Close()
}

// socksDialer mirrors the old checkSocks5Connect: a SOCKS5 dialer over a
// plain net.Dialer bounded by the handshake timeout.
func (v *Validator) socksDialer(ep model.Endpoint) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", ep.String(), nil, &net.Dialer{Timeout: v.cfg.HandshakeTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	return cd, nil
}

func (v *Validator) writePayload(conn net.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(v.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(dnsProbePayload)
	return err
}

// measureBandwidth downloads up to BandwidthBytes of BandwidthURL through the
// proxy and returns the rate in kilobytes per second, rounded to one decimal.
func (v *Validator) measureBandwidth(ctx context.Context, dialer proxy.ContextDialer) (float64, error) {
	var traffic shared.TrafficCounter
	defer func() {
		metrics.ProbeTrafficBytes.WithLabelValues("up").Add(float64(traffic.Uplink.Load()))
		metrics.ProbeTrafficBytes.WithLabelValues("down").Add(float64(traffic.Downlink.Load()))
	}()
	client := &http.Client{
		Timeout: v.cfg.BandwidthTimeout,
		Transport: &http.Transport{
			DialContext:       shared.CountingDial(dialer.DialContext, &traffic),
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.BandwidthURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create bandwidth request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("received non-2xx status code: %d", resp.StatusCode)
	}

	var total int64
	buf := make([]byte, bandwidthChunkSize)
	for total < v.cfg.BandwidthBytes {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0, errors.New("bandwidth measurement took no time")
	}
	return roundKbps(float64(total) / 1024 / elapsed), nil
}

func roundKbps(v float64) float64 {
	return math.Round(v*10) / 10
}
