package adminapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spencertipping/sockpuppet/internal/timing"
)

// buildStatsHandler mirrors New's route registration so the handler
// can be exercised directly against an httptest.ResponseRecorder
// without binding a real port.
func buildStatsHandler(t *testing.T, timers *timing.Set, conns int) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
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
			"connections": conns,
		})
	})
	return r
}

func TestStatsEndpointReportsTimingAndConnections(t *testing.T) {
	timers := timing.NewSet()
	timers.Runtime.Stop()
	handler := buildStatsHandler(t, timers, 3)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	var payload struct {
		Timing []struct {
			Name string `json:"name"`
		} `json:"timing"`
		Connections int `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, 3, payload.Connections)
	require.Len(t, payload.Timing, 6)
	assert.Equal(t, "runtime", payload.Timing[0].Name)
}
