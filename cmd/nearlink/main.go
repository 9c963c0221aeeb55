package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"nearlink/internal/config"
	"nearlink/internal/daemon"
	"nearlink/internal/debuglog"
	"nearlink/internal/handshake"
	"nearlink/internal/hybrid"
	"nearlink/internal/metrics"
	"nearlink/internal/network"
	"nearlink/internal/node"
	"nearlink/internal/peer"
	"nearlink/internal/pprofutil"
	"nearlink/internal/relay"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "init", "id":
		return runID(args[0], args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "connect":
		return runConnect(args[1:], stdout, stderr)
	case "connections":
		return runConnections(args[1:], stdout, stderr)
	case "accept":
		return runAccept(args[1:], stdout, stderr)
	case "reject":
		return runReject(args[1:], stdout, stderr)
	case "sync":
		return runSync(args[1:], stdout, stderr)
	case "post":
		return runPost(args[1:], stdout, stderr)
	case "inbox":
		return runInbox(args[1:], stdout, stderr)
	case "write-ca":
		return runWriteCA(args[1:], stdout, stderr)
	case "demo":
		return runDemo(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: nearlink <command> [flags]")
	fmt.Fprintln(w, "  init | id                     create or show the local identity")
	fmt.Fprintln(w, "  serve [--listen host:port]    answer handshakes over QUIC")
	fmt.Fprintln(w, "  connect <host:port>           request a connection")
	fmt.Fprintln(w, "  connections                   list connections")
	fmt.Fprintln(w, "  accept <id> [--addr h:p]      accept a pending request")
	fmt.Fprintln(w, "  reject <id>                   reject a pending request")
	fmt.Fprintln(w, "  sync                          promote reciprocated requests")
	fmt.Fprintln(w, "  post --title <t> [--desc d]   encrypt an event to mutual connections")
	fmt.Fprintln(w, "  inbox [--n 20]                read events addressed to us")
	fmt.Fprintln(w, "  write-ca <path>               write the dev TLS CA certificate")
	fmt.Fprintln(w, "  demo                          run three simulated devices in-process")
	fmt.Fprintln(w, "common flags: --home --config --name --auto-accept --redis --insecure --debug")
}

type common struct {
	home       *string
	file       *string
	name       *string
	autoAccept *bool
	redis      *string
	insecure   *bool
	debug      *bool
}

func addCommon(fs *flag.FlagSet) common {
	return common{
		home:       fs.String("home", "", "state directory (default ~/.nearlink)"),
		file:       fs.String("config", "", "config file"),
		name:       fs.String("name", "", "display name"),
		autoAccept: fs.Bool("auto-accept", false, "accept inbound requests without asking"),
		redis:      fs.String("redis", "", "redis URL of the event relay"),
		insecure:   fs.Bool("insecure", false, "skip TLS verification of peers"),
		debug:      fs.Bool("debug", false, "enable debug logging"),
	}
}

// load layers flags the user actually set over env and the config file.
func (c common) load(fs *flag.FlagSet) (*config.Config, error) {
	overrides := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "home":
			overrides["home"] = *c.home
		case "name":
			overrides["display_name"] = *c.name
		case "auto-accept":
			overrides["auto_accept"] = *c.autoAccept
		case "redis":
			overrides["redis_url"] = *c.redis
		case "insecure":
			overrides["insecure"] = *c.insecure
		case "debug":
			overrides["debug"] = *c.debug
		}
	})
	return config.Load(config.LoadOptions{File: *c.file, Overrides: overrides})
}

type session struct {
	cfg   *config.Config
	node  *node.Node
	link  *network.Link
	relay *relay.Redis
	log   *slog.Logger
}

func open(ctx context.Context, cfg *config.Config, stderr io.Writer) (*session, error) {
	log := debuglog.New(stderr, cfg.Debug)
	debuglog.SetLogger(log)
	link, err := network.NewLink(network.LinkOptions{Insecure: cfg.Insecure, CAPath: cfg.DevTLSCAPath, Logger: log})
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, link: link, log: log}
	opts := node.Options{
		DisplayName:      cfg.DisplayName,
		Link:             link,
		Policy:           policyFor(cfg),
		RotateInterval:   cfg.RotateInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
		DatabasePath:     cfg.Database,
		MetricsPath:      cfg.MetricsPath,
		Logger:           log,
		Metrics:          metrics.New(),
	}
	if cfg.RedisURL != "" {
		rdb, err := relay.DialRedis(ctx, cfg.RedisURL, relay.RedisOptions{})
		if err != nil {
			_ = link.Close()
			return nil, err
		}
		s.relay = rdb
		opts.Relay = rdb
	}
	n, err := node.NewNode(ctx, cfg.Home, opts)
	if err != nil {
		s.closeTransport()
		return nil, err
	}
	s.node = n
	return s, nil
}

func (s *session) closeTransport() {
	_ = s.link.Close()
	if s.relay != nil {
		_ = s.relay.Close()
	}
}

func (s *session) Close(ctx context.Context) {
	if err := s.node.Close(ctx); err != nil {
		s.log.Warn("close node", "err", err)
	}
	s.closeTransport()
}

func policyFor(cfg *config.Config) handshake.Policy {
	if cfg.AutoAccept {
		return handshake.AutoAccept
	}
	return handshake.ManualAccept
}

// setup parses flags and opens the node. The returned positional args are
// what remains after the flags.
func setup(name string, args []string, stderr io.Writer, extra func(fs *flag.FlagSet)) (*session, []string, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := addCommon(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, false
	}
	cfg, err := c.load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return nil, nil, false
	}
	s, err := open(context.Background(), cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: load node failed: %v\n", name, err)
		return nil, nil, false
	}
	return s, fs.Args(), true
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runID(name string, args []string, stdout, stderr io.Writer) int {
	s, _, ok := setup(name, args, stderr, nil)
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	id := s.node.Identity()
	fmt.Fprintf(stdout, "id=%s\n", id.ID)
	fmt.Fprintf(stdout, "name=%s\n", s.node.DisplayName())
	fmt.Fprintf(stdout, "created=%s\n", id.CreatedAt.Format(time.RFC3339))
	return 0
}

func banner(w io.Writer, s *session, addr string) {
	bold := color.New(color.Bold)
	label := color.New(color.FgCyan)
	bold.Fprintln(w, "nearlink")
	label.Fprint(w, "ID: ")
	fmt.Fprintln(w, s.node.Identity().ID)
	label.Fprint(w, "Name: ")
	fmt.Fprintln(w, s.node.DisplayName())
	label.Fprint(w, "Listen: ")
	fmt.Fprintln(w, addr)
	label.Fprint(w, "Policy: ")
	if s.cfg.AutoAccept {
		color.New(color.FgYellow).Fprintln(w, "auto-accept")
	} else {
		fmt.Fprintln(w, "manual")
	}
	label.Fprint(w, "Relay: ")
	if s.cfg.RedisURL != "" {
		fmt.Fprintln(w, "redis")
	} else {
		fmt.Fprintln(w, "memory (events stay in this process)")
	}
}

func runServe(args []string, stdout, stderr io.Writer) int {
	var listen *string
	s, _, ok := setup("serve", args, stderr, func(fs *flag.FlagSet) {
		listen = fs.String("listen", "", "listen addr (host:port)")
	})
	if !ok {
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	defer s.Close(context.Background())

	addr := s.cfg.Listen
	if *listen != "" {
		addr = *listen
	}
	if _, err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	runner, err := daemon.NewRunner(s.node, daemon.Options{SnapPath: s.cfg.MetricsPath, Logger: s.log})
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- runner.RunWithContext(ctx, addr, ready) }()
	select {
	case actual := <-ready:
		banner(stdout, s, actual)
		fmt.Fprintf(stdout, "READY addr=%s id=%s\n", actual, s.node.Identity().ID)
	case err := <-errCh:
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	if err := <-errCh; err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	return 0
}

func runConnect(args []string, stdout, stderr io.Writer) int {
	s, rest, ok := setup("connect", args, stderr, nil)
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: nearlink connect <host:port>")
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	c, err := s.node.Connect(ctx, rest[0])
	if err != nil {
		fmt.Fprintf(stderr, "connect: %v\n", err)
		return 1
	}
	printConnection(stdout, c)
	return 0
}

func statusColor(st peer.Status) *color.Color {
	switch st {
	case peer.StatusMutual:
		return color.New(color.FgGreen)
	case peer.StatusPendingReceived:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func printConnection(w io.Writer, c peer.Connection) {
	fmt.Fprintf(w, "%s  ", c.ID)
	statusColor(c.Status).Fprintf(w, "%-16s", c.Status)
	fmt.Fprintf(w, "  %s  %s\n", c.DisplayName, c.UserID)
}

func runConnections(args []string, stdout, stderr io.Writer) int {
	s, _, ok := setup("connections", args, stderr, nil)
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	conns, err := s.node.Connections(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "connections: %v\n", err)
		return 1
	}
	if len(conns) == 0 {
		fmt.Fprintln(stdout, "no connections")
		return 0
	}
	for _, c := range conns {
		printConnection(stdout, c)
	}
	return 0
}

func parseID(raw string, stderr io.Writer, cmd string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Fprintf(stderr, "%s: invalid connection id %q\n", cmd, raw)
		return uuid.Nil, false
	}
	return id, true
}

func runAccept(args []string, stdout, stderr io.Writer) int {
	var addr *string
	s, rest, ok := setup("accept", args, stderr, func(fs *flag.FlagSet) {
		addr = fs.String("addr", "", "requester address to deliver the accept to")
	})
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: nearlink accept <connection-id> [--addr host:port]")
		return 1
	}
	id, ok := parseID(rest[0], stderr, "accept")
	if !ok {
		return 1
	}
	ctx, cancel := commandContext()
	defer cancel()
	if _, err := s.node.Accept(ctx, id, *addr); err != nil {
		fmt.Fprintf(stderr, "accept: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "accepted %s\n", id)
	return 0
}

func runReject(args []string, stdout, stderr io.Writer) int {
	s, rest, ok := setup("reject", args, stderr, nil)
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: nearlink reject <connection-id>")
		return 1
	}
	id, ok := parseID(rest[0], stderr, "reject")
	if !ok {
		return 1
	}
	if err := s.node.Reject(context.Background(), id); err != nil {
		fmt.Fprintf(stderr, "reject: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "rejected %s\n", id)
	return 0
}

func runSync(args []string, stdout, stderr io.Writer) int {
	s, _, ok := setup("sync", args, stderr, nil)
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	n, err := s.node.Sync(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "sync: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "promoted=%d\n", n)
	return 0
}

func runPost(args []string, stdout, stderr io.Writer) int {
	var title, desc, at *string
	s, _, ok := setup("post", args, stderr, func(fs *flag.FlagSet) {
		title = fs.String("title", "", "event title")
		desc = fs.String("desc", "", "event description")
		at = fs.String("at", "", "event time (RFC3339, default now)")
	})
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	if strings.TrimSpace(*title) == "" {
		fmt.Fprintln(stderr, "post: missing --title")
		return 1
	}
	ev := hybrid.Event{Title: *title, Datetime: time.Now().UTC()}
	if *desc != "" {
		ev.Description = desc
	}
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Fprintf(stderr, "post: invalid --at: %v\n", err)
			return 1
		}
		ev.Datetime = t.UTC()
	}
	if s.relay == nil {
		fmt.Fprintln(stderr, "WARNING: no redis relay configured; the event stays local")
	}
	enc, err := s.node.Publish(context.Background(), ev)
	if err != nil {
		fmt.Fprintf(stderr, "post: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "posted id=%s recipients=%d\n", enc.ID, len(enc.WrappedKeys))
	return 0
}

func runInbox(args []string, stdout, stderr io.Writer) int {
	var n *int
	s, _, ok := setup("inbox", args, stderr, func(fs *flag.FlagSet) {
		n = fs.Int("n", 20, "how many recent relay events to check")
	})
	if !ok {
		return 1
	}
	defer s.Close(context.Background())
	items, err := s.node.Inbox(context.Background(), *n)
	if err != nil {
		fmt.Fprintf(stderr, "inbox: %v\n", err)
		return 1
	}
	printInbox(stdout, items)
	return 0
}

func printInbox(w io.Writer, items []node.InboxItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "inbox empty")
		return
	}
	for _, it := range items {
		color.New(color.Bold).Fprint(w, it.Event.Title)
		fmt.Fprintf(w, "  %s  from %s\n", it.Event.Datetime.Format(time.RFC3339), it.From.DisplayName)
		if it.Event.Description != nil {
			fmt.Fprintf(w, "    %s\n", *it.Event.Description)
		}
	}
}

func runWriteCA(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: nearlink write-ca <path>")
		return 1
	}
	if err := network.WriteDevCA(args[0]); err != nil {
		fmt.Fprintf(stderr, "write-ca: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", args[0])
	return 0
}
