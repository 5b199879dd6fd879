package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncStart("a")
	IncStart("a")
	IncRestart("a")
	IncStop("a", "graceful")
	IncCrash("a")
	ObserveStartDuration("a", 1.25)
	ObserveLockWait("start", 0.01)
	IncLockTimeout("backup-create")
	IncBackup("create", "ok")
	IncScheduleRun("backup", "skipped")
	IncEventDropped("log")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	wantNames := map[string]bool{
		"gamevisor_server_starts_total":           false,
		"gamevisor_server_restarts_total":         false,
		"gamevisor_server_stops_total":            false,
		"gamevisor_server_crashes_total":          false,
		"gamevisor_server_ready_duration_seconds": false,
		"gamevisor_lock_wait_seconds":             false,
		"gamevisor_lock_timeouts_total":           false,
		"gamevisor_backup_operations_total":       false,
		"gamevisor_schedule_runs_total":           false,
		"gamevisor_event_dropped_total":           false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, ok := range wantNames {
		assert.True(t, ok, "expected to find metric %s", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "gamevisor_server_starts_total"))
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncStop("c", "kill")
			RecordStateTransition("c", "OFFLINE", "STARTING")
			SetResourceUsage("c", 12.5, 1<<20)
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestForgetServer(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	SetResourceUsage("gone", 1, 1)
	SetCurrentState("gone", "ONLINE", true)
	ForgetServer("gone")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				assert.False(t, l.GetName() == "server" && l.GetValue() == "gone", mf.GetName())
			}
		}
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	IncStart("test")
	IncRestart("test")
	IncStop("test", "graceful")
	ObserveStartDuration("test", 1.0)
	RecordStateTransition("test", "OFFLINE", "STARTING")
	SetCurrentState("test", "STARTING", true)
	IncLockForceRelease("restart")
	AddBackupBytes(10)
	ForgetServer("test")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
