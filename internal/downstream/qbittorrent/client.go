// Package qbittorrent talks to the qBittorrent Web API v2 to read and set the
// client's proxy. Failures are reported as status strings, never as panics.
package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/types"
)

const (
	StatusNoProxy          = "No proxy configured"
	StatusInvalidProxy     = "Invalid proxy config"
	StatusError            = "Error"
	StatusNotAuthenticated = "Error: Not authenticated"
	StatusActive           = "Active"
	StatusInactive         = "Inactive"

	requestTimeout = 10 * time.Second
	dialTimeout    = 5 * time.Second
)

var errNotAuthenticated = errors.New("qbittorrent: not authenticated")

// Client is a session-holding qBittorrent Web API client.
type Client struct {
	http     *resty.Client
	baseURL  string
	username string
	password string

	mu       sync.Mutex
	loggedIn bool
}

// FromConfig builds a client for http://host:port.
func FromConfig(cfg types.QBittorrentConf) *Client {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 7070
	}
	return New(fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port))), cfg.Username, cfg.Password)
}

// New creates a client for baseURL. Login happens lazily on first use.
func New(baseURL, username, password string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Referer", baseURL)
	return &Client{
		http:     rc,
		baseURL:  baseURL,
		username: username,
		password: password,
	}
}

// Login opens a session. qBittorrent answers 200 with body "Ok." on success.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	l := logger.WithComponent("Downstream/qBittorrent")
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.username,
			"password": c.password,
		}).
		Post("/api/v2/auth/login")
	if err != nil {
		c.loggedIn = false
		l.Error().Err(err).Msg("Login request failed.")
		return fmt.Errorf("%w: %v", errNotAuthenticated, err)
	}
	if strings.TrimSpace(resp.String()) != "Ok." {
		c.loggedIn = false
		l.Error().Int("status", resp.StatusCode()).Str("body", resp.String()).Msg("Login failed.")
		return errNotAuthenticated
	}
	c.loggedIn = true
	l.Info().Msg("Successfully logged in to qBittorrent Web UI.")
	return nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	return c.loginLocked(ctx)
}

// do runs one API call, logging in first if needed. A 401 or 403 answer
// triggers a single re-login and retry.
func (c *Client) do(ctx context.Context, call func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	resp, err := call(c.http.R().SetContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusUnauthorized && resp.StatusCode() != http.StatusForbidden {
		return resp, nil
	}

	l := logger.WithComponent("Downstream/qBittorrent")
	l.Warn().Int("status", resp.StatusCode()).Msg("Session rejected, logging in again.")
	c.mu.Lock()
	c.loggedIn = false
	err = c.loginLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	resp, err = call(c.http.R().SetContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, errNotAuthenticated
	}
	return resp, nil
}

// preferences fetches the full preference object. Numbers are kept as
// json.Number so posting the object back does not reformat them.
func (c *Client) preferences(ctx context.Context) (map[string]any, error) {
	resp, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/api/v2/app/preferences")
	})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("preferences: unexpected status %d", resp.StatusCode())
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	var prefs map[string]any
	if err := dec.Decode(&prefs); err != nil {
		return nil, fmt.Errorf("preferences: %w", err)
	}
	return prefs, nil
}

// CurrentProxy returns the configured proxy as "ip:port", or one of the
// degraded status strings.
func (c *Client) CurrentProxy(ctx context.Context) string {
	l := logger.WithComponent("Downstream/qBittorrent")
	prefs, err := c.preferences(ctx)
	if err != nil {
		if errors.Is(err, errNotAuthenticated) {
			return StatusNotAuthenticated
		}
		l.Error().Err(err).Msg("Error getting proxy settings.")
		return StatusError
	}
	if proxyDisabled(prefs["proxy_type"]) {
		return StatusNoProxy
	}
	ip, _ := prefs["proxy_ip"].(string)
	port := portString(prefs["proxy_port"])
	if ip == "" || port == "" {
		return StatusInvalidProxy
	}
	return ip + ":" + port
}

// SetProxy points qBittorrent at proxy ("ip:port") as a SOCKS5 proxy for
// peer connections. The full preference object is fetched, updated and
// posted back. Malformed input returns false without contacting the API.
func (c *Client) SetProxy(ctx context.Context, proxy string) bool {
	l := logger.WithComponent("Downstream/qBittorrent")

	parts := strings.Split(proxy, ":")
	if len(parts) != 2 || parts[0] == "" {
		l.Error().Str("proxy", proxy).Msg("Invalid proxy format (missing port).")
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || !isDigits(parts[1]) {
		l.Error().Str("proxy", proxy).Msg("Invalid port number.")
		return false
	}

	prefs, err := c.preferences(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Error fetching preferences before setting proxy.")
		return false
	}
	prefs["proxy_type"] = "SOCKS5"
	prefs["proxy_ip"] = parts[0]
	prefs["proxy_port"] = port
	prefs["proxy_peer_connections"] = true
	prefs["proxy_torrents_only"] = false
	prefs["proxy_auth_enabled"] = false
	prefs["force_proxy"] = true

	body, err := json.Marshal(prefs)
	if err != nil {
		l.Error().Err(err).Msg("Failed to encode preferences.")
		return false
	}
	resp, err := c.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(map[string]string{"json": string(body)}).Post("/api/v2/app/setPreferences")
	})
	if err != nil {
		l.Error().Err(err).Msg("Error setting proxy.")
		return false
	}
	if resp.StatusCode() != http.StatusOK {
		l.Error().Int("status", resp.StatusCode()).Str("body", resp.String()).Msg("Failed to set proxy.")
		return false
	}
	l.Info().Str("proxy", proxy).Msg("Successfully set proxy.")
	return true
}

// ConnectionStatus dials the configured proxy: "Active" when it accepts a
// TCP connection, "Inactive" otherwise, or the degraded CurrentProxy string
// when no usable proxy is configured.
func (c *Client) ConnectionStatus(ctx context.Context) string {
	current := c.CurrentProxy(ctx)
	host, port, err := net.SplitHostPort(current)
	if err != nil || host == "" || !isDigits(port) {
		return current
	}

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", current)
	if err != nil {
		l := logger.WithComponent("Downstream/qBittorrent")
		l.Warn().Err(err).Str("proxy", current).Msg("Proxy connection test failed.")
		return StatusInactive
	}
	conn.Close()
	return StatusActive
}

// proxyDisabled accepts both the numeric (0) and the named ("None") forms
// qBittorrent versions use for "no proxy".
func proxyDisabled(v any) bool {
	switch t := v.(type) {
	case json.Number:
		return t.String() == "0"
	case float64:
		return t == 0
	case string:
		return t == "" || strings.EqualFold(t, "None")
	case nil:
		return false
	default:
		return false
	}
}

func portString(v any) string {
	switch t := v.(type) {
	case json.Number:
		if t.String() == "0" {
			return ""
		}
		return t.String()
	case float64:
		if t == 0 {
			return ""
		}
		return strconv.Itoa(int(t))
	case string:
		return t
	default:
		return ""
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
