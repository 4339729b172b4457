// Package adminapi exposes the proxy's timing summary and live
// connection count over a small gin HTTP server, bound to the
// teacher's admin-surface dependency pair (gin-gonic/gin is pulled in
// by the teacher's websockets/go.mod alongside gorilla/websocket,
// though that experiment never wires up a handler of its own -- this
// package is the first one to put gin to work).
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spencertipping/sockpuppet/internal/timing"
)

// ConnCounter reports the number of currently live connections. The
// proxy's connection map isn't safe for concurrent reads from another
// goroutine, so callers pass a thread-safe accessor rather than the
// map itself.
type ConnCounter func() int

// Server is the admin HTTP server. It runs on its own goroutine,
// separate from the single-threaded readiness loop, since it only
// ever reads timing snapshots and an atomic-ish counter callback --
// never proxy state that the readiness loop mutates.
type Server struct {
	httpSrv *http.Server
}

// New builds the admin server, listening on loopback at port. Per
// spec.md §6 it reports the same six-category timing summary the
// SIGINT/SIGTERM handler prints, plus the live connection count, as
// JSON under GET /stats.
func New(port int, timers *timing.Set, conns ConnCounter) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/stats", func(c *gin.Context) {
		summary := timers.Summary()
		entries := make([]gin.H, 0, len(summary))
		for _, e := range summary {
			entries = append(entries, gin.H{
				"name":         e.Name,
				"elapsed_secs": e.Elapsed.Seconds(),
				"pct":          e.Pct,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"timing":      entries,
			"connections": conns(),
		})
	})

	return &Server{
		httpSrv: &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", port),
			Handler: r,
		},
	}
}

// Run starts serving and blocks until the server is shut down. Errors
// other than the expected http.ErrServerClosed are returned.
func (s *Server) Run() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("adminapi: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the admin server, giving in-flight
// requests up to 5 seconds to finish.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
