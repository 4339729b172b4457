// Package restart gives the proxy zero-downtime listener handoff on
// SIGHUP, grounded on the teacher's
// graceful_restarts/tbflip/main.go experiment -- the colored logf /
// logPhase helpers and the tableflip.New / Listen / Ready / Exit /
// Upgrade sequence are carried over directly, generalized from a
// one-off http.Server demo to the proxy's own listener.
package restart

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
)

var ansiColors = []string{"\033[31m", "\033[32m", "\033[33m", "\033[34m", "\033[35m", "\033[37m"}

var colorCode string

func init() {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(os.Getpid())))
	colorCode = ansiColors[rnd.Intn(len(ansiColors))]
}

// logf prints a formatted log message in the process color.
func logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf(colorCode + msg + "\033[0m")
}

// logPhase prints a colored separator line for important phases.
func logPhase(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf(colorCode + "==================== " + msg + " ====================\033[0m")
}

// Coordinator wraps tableflip so the proxy can pass its listen address
// through an upgrade-aware Listen call and hand off cleanly on SIGHUP.
type Coordinator struct {
	upg *tableflip.Upgrader
	pid int
}

// New constructs a Coordinator and starts the SIGHUP watch loop.
// pidFile may be empty; tableflip accepts that to mean "none".
func New(pidFile string) (*Coordinator, error) {
	pid := os.Getpid()
	logPhase("starting process pid=%d", pid)

	upg, err := tableflip.New(tableflip.Options{PIDFile: pidFile})
	if err != nil {
		return nil, fmt.Errorf("restart: tableflip.New: %w", err)
	}

	c := &Coordinator{upg: upg, pid: pid}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		for range sig {
			logPhase("pid=%d received SIGHUP -> Upgrade()", pid)
			if err := upg.Upgrade(); err != nil {
				logf("[%d] Upgrade error: %v", pid, err)
			}
		}
	}()

	return c, nil
}

// Listen returns a net.Listener for addr that tableflip will hand off
// to the next generation on Upgrade, per its Listen-before-Ready
// contract.
func (c *Coordinator) Listen(network, addr string) (net.Listener, error) {
	ln, err := c.upg.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("restart: upg.Listen: %w", err)
	}
	logPhase("pid=%d listening on %s %s (upgrade-aware)", c.pid, network, addr)
	return ln, nil
}

// Ready signals that startup is complete; tableflip then stops the
// parent process (if any) from accepting new connections.
func (c *Coordinator) Ready() error {
	if err := c.upg.Ready(); err != nil {
		return fmt.Errorf("restart: Ready: %w", err)
	}
	logPhase("pid=%d signaled Ready()", c.pid)
	return nil
}

// Exit returns a channel that closes when this generation should wind
// down -- either superseded by an upgrade or terminated outright.
func (c *Coordinator) Exit() <-chan struct{} {
	return c.upg.Exit()
}

// Stop releases tableflip's resources. Call via defer from main.
func (c *Coordinator) Stop() {
	c.upg.Stop()
}
