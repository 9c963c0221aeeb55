package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"nearlink/internal/debuglog"
	"nearlink/internal/proto"
	"nearlink/internal/radio"
)

type LinkOptions struct {
	// Insecure skips server certificate verification.
	Insecure bool
	// CAPath overrides the built-in dev CA.
	CAPath string
	Logger *slog.Logger
}

// Link implements radio.Link over QUIC. The radio id is the peer's
// host:port.
type Link struct {
	pool *clientPool
	log  *slog.Logger
}

var _ radio.Link = (*Link)(nil)

func NewLink(opts LinkOptions) (*Link, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.Logger()
	}
	return &Link{pool: newClientPool(clientConnIdle, tlsConf, quicConfig()), log: opts.Logger}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (l *Link) Connect(ctx context.Context, addr string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if _, err := l.pool.get(ctx, addr); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s: %w", addr, radio.ErrTimeout)
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	l.pool.resetFailures(addr)
	return nil
}

func (l *Link) Disconnect(_ context.Context, addr string) error {
	l.pool.closeAddr(addr)
	return nil
}

func (l *Link) ReadProfile(ctx context.Context, addr string) (radio.Profile, error) {
	raw, err := l.exchange(ctx, addr, proto.EncodeProfileReqMsg())
	if err != nil {
		return radio.Profile{}, err
	}
	msg, err := proto.DecodeProfileMsg(raw)
	if err != nil {
		return radio.Profile{}, fmt.Errorf("profile from %s: %w", addr, err)
	}
	signing, agreement, err := proto.DecodeProfileFields(msg)
	if err != nil {
		return radio.Profile{}, err
	}
	return radio.Profile{
		UserID:       msg.UserID,
		DisplayName:  msg.DisplayName,
		SigningKey:   signing,
		AgreementKey: agreement,
	}, nil
}

func (l *Link) WriteHandshake(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	return l.exchange(ctx, addr, payload)
}

// Close drops every pooled connection.
func (l *Link) Close() error {
	l.pool.closeAll()
	return nil
}

// exchange sends one request on a fresh stream and reads the reply,
// retrying with backoff when the pooled connection has died underneath.
func (l *Link) exchange(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	if !l.pool.has(addr) {
		return nil, fmt.Errorf("%s: %w", addr, radio.ErrNotConnected)
	}
	var lastErr error
	for {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		conn, err := l.pool.get(ctx, addr)
		if err == nil {
			var resp []byte
			resp, err = l.roundTrip(ctx, conn, payload)
			if err == nil {
				l.pool.resetFailures(addr)
				return resp, nil
			}
			l.pool.drop(addr, conn, "exchange failed")
		}
		lastErr = fmt.Errorf("exchange with %s: %w", addr, err)
		l.log.Debug("quic exchange failed", "addr", addr, "err", err)
		if !backoffRetry(ctx, l.pool.recordFailure(addr)) {
			return nil, lastErr
		}
	}
}

func (l *Link) roundTrip(ctx context.Context, conn *quic.Conn, payload []byte) ([]byte, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(streamRWTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)
	if err := proto.WriteFrame(stream, payload); err != nil {
		stream.CancelWrite(0)
		return nil, err
	}
	// closing the send side tells the server the request is complete
	if err := stream.Close(); err != nil {
		return nil, err
	}
	resp, err := proto.ReadFrameCapped(stream)
	if err != nil {
		stream.CancelRead(0)
		return nil, err
	}
	return resp, nil
}
