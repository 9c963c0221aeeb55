// Package daemon keeps a node serving: the QUIC handshake listener, the
// radio, periodic promotion of reciprocated requests and the metrics
// snapshot.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"nearlink/internal/debuglog"
	"nearlink/internal/network"
	"nearlink/internal/node"
	"nearlink/internal/sched"
)

const (
	defaultSyncInterval     = 5 * time.Second
	defaultSnapshotInterval = time.Second
)

type Options struct {
	// SnapPath enables the periodic metrics snapshot.
	SnapPath     string
	SyncInterval time.Duration
	Server       network.ServerOptions
	Logger       *slog.Logger
}

type Runner struct {
	Self     *node.Node
	snapPath string
	syncIvl  time.Duration
	srvOpts  network.ServerOptions
	log      *slog.Logger
}

func NewRunner(self *node.Node, opts Options) (*Runner, error) {
	if self == nil {
		return nil, errors.New("missing node")
	}
	log := opts.Logger
	if log == nil {
		log = debuglog.Logger()
	}
	if opts.Server.Logger == nil {
		opts.Server.Logger = log
	}
	ivl := opts.SyncInterval
	if ivl <= 0 {
		ivl = syncInterval()
	}
	return &Runner{
		Self:     self,
		snapPath: opts.SnapPath,
		syncIvl:  ivl,
		srvOpts:  opts.Server,
		log:      log,
	}, nil
}

func syncInterval() time.Duration {
	if v, ok := envInt("NEARLINK_SYNC_INTERVAL_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return defaultSyncInterval
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RunWithContext listens on addr and serves until ctx is done. The actual
// listen address is sent on ready once the listener is up.
func (r *Runner) RunWithContext(ctx context.Context, addr string, ready chan<- string) error {
	srv, err := network.Listen(addr, r.Self.Handshaker().Serve, r.srvOpts)
	if err != nil {
		return err
	}
	if err := r.Self.Start(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("start radio: %w", err)
	}
	defer func() {
		if err := r.Self.Stop(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("stop radio", "err", err)
		}
	}()

	syncTask := sched.Every(r.syncIvl, r.syncTick)
	defer syncTask.Stop()
	var snapTask *sched.Task
	if r.snapPath != "" {
		snapTask = sched.Every(defaultSnapshotInterval, r.snapshotTick)
	}
	defer func() {
		snapTask.Stop()
		r.snapshotTick(ctx)
	}()

	if ready != nil {
		select {
		case ready <- srv.Addr():
		default:
		}
	}
	r.log.Debug("daemon serving", "addr", srv.Addr(), "id", r.Self.Identity().ID)
	return srv.Serve(ctx)
}

func (r *Runner) syncTick(ctx context.Context) {
	n, err := r.Self.Sync(ctx)
	if err != nil {
		debuglog.RateLimited(ctx, r.log, "daemon-sync", time.Minute, "sync pending connections", "err", err)
		return
	}
	if n > 0 {
		r.log.Info("connections promoted", "count", n)
	}
}

func (r *Runner) snapshotTick(context.Context) {
	if r.snapPath == "" {
		return
	}
	if err := r.Self.Metrics().WriteSnapshot(r.snapPath); err != nil {
		r.log.Debug("metrics snapshot", "err", err)
	}
}
