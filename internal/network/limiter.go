package network

import "sync"

// ipCounter caps concurrent holders per remote IP. max <= 0 disables it.
type ipCounter struct {
	max    int
	counts map[string]int
}

func (c *ipCounter) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *ipCounter) release(ip string) {
	if c.max <= 0 {
		return
	}
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

type ipLimiter struct {
	mu      sync.Mutex
	conns   ipCounter
	streams ipCounter
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		conns:   ipCounter{max: maxConns, counts: make(map[string]int)},
		streams: ipCounter{max: maxStreams, counts: make(map[string]int)},
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.acquire(ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.mu.Lock()
	l.conns.release(ip)
	l.mu.Unlock()
}

func (l *ipLimiter) acquireStream(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.acquire(ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.mu.Lock()
	l.streams.release(ip)
	l.mu.Unlock()
}

// inUse reports the live connection count for ip.
func (l *ipLimiter) inUse(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.counts[ip]
}
