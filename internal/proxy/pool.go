package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"
)

// idleConn is a pooled upstream connection plus the time it was returned.
type idleConn struct {
	conn net.Conn
	idle time.Time
}

// upstreamPool keeps a small number of idle keep-alive connections per
// (scheme, host, port) key, closing any that sit idle past idleTimeout
// (§4.F: "upstream connection pool per (host, port, is-tls) with idle
// timeout").
type upstreamPool struct {
	mu    sync.Mutex
	conns map[string][]idleConn
}

func newUpstreamPool() *upstreamPool {
	p := &upstreamPool{conns: make(map[string][]idleConn)}
	go p.reap()
	return p
}

// Get returns a pooled connection for key if one is idle and still usable,
// otherwise dials a fresh one. The bool return reports whether the
// connection is poolable (always true; kept for call-site symmetry with a
// future no-pool fast path, e.g. for non-idempotent methods).
func (p *upstreamPool) Get(ctx context.Context, key string) (net.Conn, bool, error) {
	p.mu.Lock()
	bucket := p.conns[key]
	for len(bucket) > 0 {
		c := bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
		p.conns[key] = bucket
		p.mu.Unlock()
		if isHealthy(c.conn) {
			return c.conn, true, nil
		}
		c.conn.Close()
		p.mu.Lock()
	}
	p.mu.Unlock()

	return dial(ctx, key)
}

func (p *upstreamPool) Put(key string, c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[key] = append(p.conns[key], idleConn{conn: c, idle: time.Now()})
}

func (p *upstreamPool) reap() {
	t := time.NewTicker(idleTimeout / 2)
	defer t.Stop()
	for range t.C {
		p.mu.Lock()
		for key, bucket := range p.conns {
			var kept []idleConn
			for _, c := range bucket {
				if time.Since(c.idle) > idleTimeout {
					c.conn.Close()
					continue
				}
				kept = append(kept, c)
			}
			if len(kept) == 0 {
				delete(p.conns, key)
			} else {
				p.conns[key] = kept
			}
		}
		p.mu.Unlock()
	}
}

// isHealthy does a non-blocking peek to catch a connection the peer has
// already closed while it sat idle in the pool.
func isHealthy(c net.Conn) bool {
	c.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer c.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	_, err := c.Read(one)
	if err == nil {
		return false // unexpected data waiting; discard rather than risk desync
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func dial(ctx context.Context, key string) (net.Conn, bool, error) {
	scheme, hostport, _ := strings.Cut(key, "|")

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", hostport)
	if err != nil {
		return nil, false, err
	}

	if scheme == "https" {
		host, _, _ := net.SplitHostPort(hostport)
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		hsCtx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, false, err
		}
		return tlsConn, true, nil
	}
	return conn, true, nil
}
