package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the wall-clock format used for every timestamp written to the pool store.
const TimeLayout = "2006-01-02 15:04:05"

// ErrInvalidEndpoint is returned when a string is not a valid "ipv4:port" pair.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint identifies a candidate SOCKS5 proxy. It is the pool's primary key
// and always holds the canonical "a.b.c.d:port" form.
type Endpoint string

// ParseEndpoint validates raw as a dotted-quad IPv4 address and a port in 1..65535.
func ParseEndpoint(raw string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
	}
	octets := strings.Split(host, ".")
	if len(octets) != 4 {
		return "", fmt.Errorf("%w: %q: not a dotted-quad address", ErrInvalidEndpoint, raw)
	}
	canonical := make([]string, 0, 4)
	for _, o := range octets {
		if o == "" || len(o) > 3 {
			return "", fmt.Errorf("%w: %q: bad octet %q", ErrInvalidEndpoint, raw, o)
		}
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return "", fmt.Errorf("%w: %q: bad octet %q", ErrInvalidEndpoint, raw, o)
		}
		canonical = append(canonical, strconv.Itoa(n))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: %q: bad port %q", ErrInvalidEndpoint, raw, portStr)
	}
	return Endpoint(strings.Join(canonical, ".") + ":" + strconv.Itoa(port)), nil
}

// String returns the "ip:port" form.
func (e Endpoint) String() string {
	return string(e)
}

// Result is the latest outcome of the staged probe against one endpoint.
//
// Stages short-circuit: SOCKS5Handshake implies TCPConnect, RemoteConnect and
// DNSOK imply SOCKS5Handshake, and BandwidthKbps is only set after a handshake.
type Result struct {
	TCPConnect      bool       `json:"tcp_connect"`
	SOCKS5Handshake bool       `json:"socks5_handshake"`
	RemoteConnect   bool       `json:"remote_connect"`
	DNSOK           bool       `json:"dns_ok"`
	BandwidthKbps   *float64   `json:"bandwidth_kbps"`
	LastChecked     *time.Time `json:"last_checked"`
}

// FullyHealthy reports whether every boolean stage passed.
func (r Result) FullyHealthy() bool {
	return r.TCPConnect && r.SOCKS5Handshake && r.RemoteConnect && r.DNSOK
}

// Bandwidth returns the measured throughput, treating an unmeasured value as zero.
func (r Result) Bandwidth() float64 {
	if r.BandwidthKbps == nil {
		return 0
	}
	return *r.BandwidthKbps
}

// Normalize clears any stage that is impossible given an earlier failed stage.
// Records produced by the prober already satisfy this; it matters for data
// loaded from older or hand-edited snapshots.
func (r Result) Normalize() Result {
	if !r.TCPConnect {
		r.SOCKS5Handshake = false
	}
	if !r.SOCKS5Handshake {
		r.RemoteConnect = false
		r.DNSOK = false
		r.BandwidthKbps = nil
	}
	return r
}

// Clone returns a deep copy so callers never share the optional fields.
func (r Result) Clone() Result {
	out := r
	if r.BandwidthKbps != nil {
		v := *r.BandwidthKbps
		out.BandwidthKbps = &v
	}
	if r.LastChecked != nil {
		t := *r.LastChecked
		out.LastChecked = &t
	}
	return out
}

// IsStale reports whether the record was never checked or was last checked
// more than maxAge before now.
func (r Result) IsStale(now time.Time, maxAge time.Duration) bool {
	if r.LastChecked == nil {
		return true
	}
	return now.Sub(*r.LastChecked) > maxAge
}

// Entry pairs an endpoint with its record, in pool order.
type Entry struct {
	Endpoint Endpoint `json:"endpoint"`
	Result   Result   `json:"result"`
}
