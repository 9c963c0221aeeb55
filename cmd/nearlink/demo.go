package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"nearlink/internal/debuglog"
	"nearlink/internal/handshake"
	"nearlink/internal/hybrid"
	"nearlink/internal/keystore"
	"nearlink/internal/node"
	"nearlink/internal/radio"
	"nearlink/internal/relay"
)

var errDemo = errors.New("demo failed")

// runDemo walks three simulated devices through discovery, both handshake
// paths and an encrypted event.
func runDemo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	dir, err := os.MkdirTemp("", "nearlink-demo-")
	if err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}
	defer os.RemoveAll(dir)

	if err := demo(context.Background(), dir, *debug, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "demo: %v\n", err)
		return 1
	}
	return 0
}

func demo(ctx context.Context, dir string, debug bool, stdout, stderr io.Writer) error {
	log := debuglog.New(stderr, debug)
	medium := radio.NewMedium()
	rl := relay.NewMemory(relay.MemoryOptions{})
	step := color.New(color.FgCyan, color.Bold)

	mk := func(radioID, name string, policy handshake.Policy) (*node.Node, error) {
		return node.NewNode(ctx, filepath.Join(dir, radioID), node.Options{
			DisplayName:      name,
			Transport:        medium.Join(radioID),
			Relay:            rl,
			Policy:           policy,
			HandshakeTimeout: time.Second,
			DatabasePath:     ":memory:",
			KeyStore:         keystore.NewMemoryStore(),
			Logger:           log,
		})
	}
	alice, err := mk("radio-a", "Alice", handshake.ManualAccept)
	if err != nil {
		return err
	}
	defer alice.Close(ctx)
	bob, err := mk("radio-b", "Bob", handshake.AutoAccept)
	if err != nil {
		return err
	}
	defer bob.Close(ctx)
	carol, err := mk("radio-c", "Carol", handshake.ManualAccept)
	if err != nil {
		return err
	}
	defer carol.Close(ctx)

	step.Fprintln(stdout, "1. discovery")
	for _, n := range []*node.Node{alice, bob, carol} {
		if err := n.Start(ctx); err != nil {
			return err
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(alice.Discovery().Devices()) < 2 && time.Now().Before(deadline) {
		medium.Tick()
		time.Sleep(10 * time.Millisecond)
	}
	for _, d := range alice.Discovery().Devices() {
		fmt.Fprintf(stdout, "   alice sees %s (%s) rssi=%d\n", d.Name, d.RadioID, d.SignalStrength)
	}
	if len(alice.Discovery().Devices()) < 2 {
		return fmt.Errorf("%w: alice saw %d devices", errDemo, len(alice.Discovery().Devices()))
	}

	step.Fprintln(stdout, "2. alice -> bob (bob auto-accepts)")
	c, err := alice.Connect(ctx, "radio-b")
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "   alice: %s is %s\n", c.DisplayName, c.Status)

	step.Fprintln(stdout, "3. carol -> alice (alice accepts by hand)")
	if _, err := carol.Connect(ctx, "radio-a"); err != nil {
		return err
	}
	pending, err := alice.Store().GetConnectionByUser(ctx, carol.Identity().ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "   alice: %s is %s\n", pending.DisplayName, pending.Status)
	if _, err := alice.Accept(ctx, pending.ID, "radio-c"); err != nil {
		return err
	}
	promoted, err := carol.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "   carol: sync promoted %d\n", promoted)

	step.Fprintln(stdout, "4. alice posts an event to her mutual connections")
	desc := "by the lake"
	enc, err := alice.Publish(ctx, hybrid.Event{Title: "Picnic", Description: &desc, Datetime: time.Now().Add(24 * time.Hour)})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "   event %s wrapped for %d recipients\n", enc.ID, len(enc.WrappedKeys))

	step.Fprintln(stdout, "5. inboxes")
	for _, n := range []*node.Node{bob, carol} {
		items, err := n.Inbox(ctx, 10)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "   %s:\n", n.DisplayName())
		printInbox(stdout, items)
	}
	return nil
}
