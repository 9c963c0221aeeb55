package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	clientMaxRetries  = 2
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = time.Second
	clientConnIdle    = 30 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// clientPool keeps one QUIC connection per peer address so a
// profile read and the handshake that follows share it.
type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]int
	idleAfter time.Duration
	tlsConf   *tls.Config
	quicConf  *quic.Config
}

func newClientPool(idleAfter time.Duration, tlsConf *tls.Config, quicConf *quic.Config) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]int),
		idleAfter: idleAfter,
		tlsConf:   tlsConf,
		quicConf:  quicConf,
	}
}

func (p *clientPool) get(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	conn, err := quic.DialAddr(ctx, addr, p.tlsConf, p.quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn.Context().Err() == nil {
		// lost a dial race; keep the first connection
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return ent.conn, nil
	}
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) has(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent, ok := p.conns[addr]
	return ok && ent.conn.Context().Err() == nil
}

func (p *clientPool) drop(addr string, conn *quic.Conn, reason string) {
	if addr == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

// closeAddr closes whatever connection is pooled for addr.
func (p *clientPool) closeAddr(addr string) bool {
	p.mu.Lock()
	ent, ok := p.conns[addr]
	delete(p.conns, addr)
	p.mu.Unlock()
	if ok {
		_ = ent.conn.CloseWithError(0, "disconnect")
	}
	return ok
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "closing")
	}
}

func (p *clientPool) recordFailure(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[addr]++
	return p.failures[addr]
}

func (p *clientPool) resetFailures(addr string) {
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 || failures > clientMaxRetries {
		return false
	}
	d := clientBackoffBase * time.Duration(1<<uint(failures-1))
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
