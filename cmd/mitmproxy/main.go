// Command mitmproxy is the CLI entry point: a recording MITM TCP proxy
// for HTTP/1.x and WebSocket traffic (spec.md §6). Argument parsing,
// signal handling, and the timing-summary printer are deliberately
// naive per spec.md §1 -- the engineering lives in internal/stream and
// internal/proxyloop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spencertipping/sockpuppet/internal/adminapi"
	"github.com/spencertipping/sockpuppet/internal/proxyloop"
	"github.com/spencertipping/sockpuppet/internal/restart"
	"github.com/spencertipping/sockpuppet/internal/timing"
	"github.com/spencertipping/sockpuppet/internal/trace"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mitmproxy listen_port upstream_host:upstream_port")
}

func main() {
	if len(os.Args) != 3 {
		usage()
		os.Exit(1)
	}
	listenPort, err := strconv.Atoi(os.Args[1])
	if err != nil || listenPort <= 0 || listenPort > 65535 {
		usage()
		os.Exit(1)
	}
	upstream := os.Args[2]

	timers := timing.NewSet()
	writer := trace.NewWriter(os.Stdout, &timers.Trace)

	coord, err := restart.New("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mitmproxy: restart setup: %v\n", err)
		os.Exit(1)
	}
	defer coord.Stop()

	ln, err := coord.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mitmproxy: %v\n", err)
		os.Exit(1)
	}

	proxy, err := proxyloop.New(ln, upstream, writer, timers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mitmproxy: %v\n", err)
		os.Exit(1)
	}
	defer proxy.Close()

	admin := adminapi.New(listenPort+1, timers, func() int { return proxy.ConnCount() })
	go func() {
		if err := admin.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "mitmproxy: admin server: %v\n", err)
		}
	}()

	if err := coord.Ready(); err != nil {
		fmt.Fprintf(os.Stderr, "mitmproxy: %v\n", err)
		os.Exit(1)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- proxy.Run(stop) }()

	select {
	case s := <-sig:
		_ = s
		close(stop)
		timers.Runtime.Stop()
		printSummary(timers)
		_ = admin.Shutdown()
		os.Exit(0)
	case <-coord.Exit():
		close(stop)
		timers.Runtime.Stop()
		printSummary(timers)
		_ = admin.Shutdown()
		os.Exit(0)
	case err := <-runErr:
		timers.Runtime.Stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "mitmproxy: fatal: %v\n", err)
			printSummary(timers)
			_ = admin.Shutdown()
			os.Exit(1)
		}
		printSummary(timers)
		_ = admin.Shutdown()
		os.Exit(0)
	}
}

// printSummary renders the six-category timing summary to standard
// error per spec.md §6.
func printSummary(timers *timing.Set) {
	fmt.Fprintln(os.Stderr, "timing summary:")
	for _, e := range timers.Summary() {
		fmt.Fprintf(os.Stderr, "  %-10s %12s  %6.2f%%\n", e.Name, e.Elapsed, e.Pct)
	}
}
