// Package network carries the handshake and profile exchange between nodes
// over QUIC, for peers that share a LAN instead of a radio link. One
// request and one response travel per stream, each as a length-prefixed
// frame.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"nearlink/internal/debuglog"
	"nearlink/internal/proto"
	"nearlink/internal/radio"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 5 * time.Second

	DefaultMaxConnsPerIP   = 8
	DefaultMaxStreamsPerIP = 32
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	StreamTimeout   time.Duration
	Logger          *slog.Logger
}

type Server struct {
	ln      *quic.Listener
	handler radio.HandshakeHandler
	limiter *ipLimiter
	timeout time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds addr (e.g. "127.0.0.1:0") and returns a server that answers
// each request with handler once Serve runs.
func Listen(addr string, handler radio.HandshakeHandler, opts ServerOptions) (*Server, error) {
	if handler == nil {
		return nil, errors.New("network: nil handler")
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = DefaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = DefaultMaxStreamsPerIP
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = streamRWTimeout
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.Logger()
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &Server{
		ln:      ln,
		handler: handler,
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		timeout: opts.StreamTimeout,
		log:     opts.Logger,
	}, nil
}

// Addr is the bound address, usable as a radio id by Link.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until ctx is done or Close is called. It
// returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	s.log.Info("quic listening", "addr", s.Addr())
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			closed := ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed)
			cancel()
			s.wg.Wait()
			if closed {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		ip := remoteIP(conn.RemoteAddr())
		if !s.limiter.acquireConn(ip) {
			debuglog.RateLimited(ctx, s.log, "conncap:"+ip, time.Minute, "connection limit reached", "ip", ip)
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limiter.releaseConn(ip)
			s.serveConn(ctx, conn, ip)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer conn.CloseWithError(0, "")
	var streams sync.WaitGroup
	defer streams.Wait()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.limiter.acquireStream(ip) {
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		streams.Add(1)
		go func() {
			defer streams.Done()
			defer s.limiter.releaseStream(ip)
			s.serveStream(ctx, stream, ip)
		}()
	}
}

func (s *Server) serveStream(ctx context.Context, stream *quic.Stream, ip string) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(s.timeout))
	req, err := proto.ReadFrameCapped(stream)
	if err != nil {
		debuglog.RateLimited(ctx, s.log, "badframe:"+ip, time.Minute, "unreadable request", "ip", ip, "err", err)
		stream.CancelRead(2)
		return
	}
	resp, err := s.handler(ctx, req)
	if err != nil {
		s.log.Warn("handshake handler", "ip", ip, "err", err)
	}
	if resp == nil {
		resp = proto.EncodeErrorMsg("no response")
	}
	if err := proto.WriteFrame(stream, resp); err != nil {
		s.log.Debug("write response", "ip", ip, "err", err)
	}
}

// Close stops accepting and tears down open connections.
func (s *Server) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	s.closeOnce.Do(func() { err = s.ln.Close() })
	return err
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
