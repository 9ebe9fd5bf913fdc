package metricsvc

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core/syncengine"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.SyncStarted("school_A")
	c.SyncStarted("school_B")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.inFlight))

	c.SyncFinished("school_A", syncengine.Result{Success: true, SyncedCount: 3, PulledCount: 2}, 120*time.Millisecond)
	c.SyncFinished("school_B", syncengine.Result{FailedCount: 1, HeldCount: 2, PendingCount: 3}, 80*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(c.inFlight))

	c.SyncStarted("school_A")
	c.SyncFinished("school_A", syncengine.Result{Success: true, SyncedCount: 1}, 10*time.Millisecond)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"school_A successes", testutil.ToFloat64(c.cycles.WithLabelValues("school_A", "success")), 2},
		{"school_B errors", testutil.ToFloat64(c.cycles.WithLabelValues("school_B", "error")), 1},
		{"school_A synced", testutil.ToFloat64(c.actions.WithLabelValues("school_A", "synced")), 4},
		{"school_B failed", testutil.ToFloat64(c.actions.WithLabelValues("school_B", "failed")), 1},
		{"school_B held", testutil.ToFloat64(c.actions.WithLabelValues("school_B", "held")), 2},
		{"school_A pulled", testutil.ToFloat64(c.pulled.WithLabelValues("school_A")), 2},
		{"school_A pending", testutil.ToFloat64(c.pending.WithLabelValues("school_A")), 0},
		{"school_B pending", testutil.ToFloat64(c.pending.WithLabelValues("school_B")), 3},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	assert.Equal(t, 2, testutil.CollectAndCount(c.duration))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.SyncStarted("school_A")
	c.SyncFinished("school_A", syncengine.Result{Success: true, SyncedCount: 1}, time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, want := range []string{
		`masomo_sync_cycles_total{outcome="success",school="school_A"} 1`,
		`masomo_sync_actions_total{result="synced",school="school_A"} 1`,
		`masomo_sync_cycle_duration_seconds_count{school="school_A"} 1`,
	} {
		assert.True(t, strings.Contains(string(body), want), "missing %q", want)
	}

	expected := `
# HELP masomo_sync_pending_actions Queue entries left after the last cycle.
# TYPE masomo_sync_pending_actions gauge
masomo_sync_pending_actions{school="school_A"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "masomo_sync_pending_actions"))
}
