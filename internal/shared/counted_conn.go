package shared

import (
	"context"
	"net"
	"sync/atomic"
)

// TrafficCounter 累计一组连接的上行和下行字节数
type TrafficCounter struct {
	Uplink   atomic.Uint64
	Downlink atomic.Uint64
}

// CountedConn 是一个 net.Conn 的包装器，用于原子地统计上行和下行流量。
type CountedConn struct {
	net.Conn
	counter *TrafficCounter
}

// NewCountedConn wraps conn so every byte read or written is added to counter.
func NewCountedConn(conn net.Conn, counter *TrafficCounter) *CountedConn {
	return &CountedConn{Conn: conn, counter: counter}
}

func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.counter.Downlink.Add(uint64(n))
	}
	return n, err
}

func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.counter.Uplink.Add(uint64(n))
	}
	return n, err
}

// DialFunc matches http.Transport.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// CountingDial wraps dial so every connection it opens reports into counter.
func CountingDial(dial DialFunc, counter *TrafficCounter) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return NewCountedConn(conn, counter), nil
	}
}
