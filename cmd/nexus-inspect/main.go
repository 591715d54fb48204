// Command nexus-inspect is a small demo/debug CLI for the nexus facade:
// "listen" exposes a ping service over WebSocket, "dial" connects to one
// and calls it once. Grounded on the teacher's root main.go (subcommand
// dispatch over flag.FlagSet, SIGINT-driven context cancellation), with
// the chisel server/client split replaced by nexus-inspect's listen/dial
// split.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c-w-xiaohei/nexus"
	"github.com/c-w-xiaohei/nexus/adapters/wsport"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
)

var help = `
  Usage: nexus-inspect [command] [--help]

  Commands:
    listen - expose a ping service and wait for callers
    dial   - connect to a listener and call ping once

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	select {
	case <-sig:
		fmt.Fprintln(os.Stderr, "SIGINT received; shutting down")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	args := os.Args[1:]
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	go sigIntHandler(ctx, cancel)

	var err error
	switch subcmd {
	case "listen":
		err = runListen(ctx, args)
	case "dial":
		err = runDial(ctx, args)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type pingService struct{}

func (pingService) Ping(note string) string {
	return "pong: " + note
}

func runListen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:9190", "address to bind")
	debug := fs.Bool("v", false, "verbose logging")
	fs.Parse(args)

	logger := nexuslog.New("nexus-inspect", nexuslog.LevelInfo)
	if *debug {
		logger.SetLevel(nexuslog.LevelDebug)
	}

	n, err := nexus.Configure(nexus.Identity{"role": "listener"}).
		WithLogger(logger).
		Listen(wsport.NewListenEndpoint(logger, *addr, "/nexus")).
		Build()
	if err != nil {
		return err
	}
	n.ExposeService("ping", pingService{})

	fmt.Fprintf(os.Stderr, "listening on ws://%s/nexus\n", *addr)
	<-ctx.Done()
	return nil
}

func runDial(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dial", flag.ExitOnError)
	url := fs.String("url", "ws://127.0.0.1:9190/nexus", "listener URL")
	note := fs.String("note", "hello", "argument to pass to ping")
	timeout := fs.Duration("timeout", 5*time.Second, "call timeout")
	debug := fs.Bool("v", false, "verbose logging")
	fs.Parse(args)

	logger := nexuslog.New("nexus-inspect", nexuslog.LevelInfo)
	if *debug {
		logger.SetLevel(nexuslog.LevelDebug)
	}

	n, err := nexus.Configure(nexus.Identity{"role": "dialer"}).
		WithLogger(logger).
		ConnectTo(wsport.NewDialEndpoint(*url, http.Header{}), nexus.Descriptor{"url": *url}).
		Build()
	if err != nil {
		return err
	}

	callCtx, callCancel := context.WithTimeout(ctx, *timeout)
	defer callCancel()

	token := nexus.NewToken("ping", "Ping")
	result, err := n.Create(callCtx, token, []interface{}{*note}, nexus.CallOptions{})
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}
