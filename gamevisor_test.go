package gamevisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, extra string) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gamevisor.toml")
	body := "[data]\ndir = \"" + filepath.ToSlash(filepath.Join(dir, "data")) + "\"\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestDaemonOpenServeClose(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := loadTestConfig(t, "")
	d, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Manager.Start(ctx))

	_, err = d.Manager.CreateServer(ctx, DefaultServer("lobby", "Lobby"))
	require.NoError(t, err)

	h := d.Handler(false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/servers/lobby", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, d.Close(cctx))

	// the record outlives the daemon
	d2, err := Open(cfg)
	require.NoError(t, err)
	defer func() { _ = d2.Close(context.Background()) }()
	got, err := d2.Manager.GetServer(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "Lobby", got.Name)
}

func TestDaemonWithSQLiteStoreAndHistory(t *testing.T) {
	dir := t.TempDir()
	extra := "[store]\ndsn = \"sqlite://" + filepath.ToSlash(filepath.Join(dir, "gv.db")) + "\"\n" +
		"[history]\ndsns = [\"sqlite://" + filepath.ToSlash(filepath.Join(dir, "history.db")) + "\"]\n"
	cfg := loadTestConfig(t, extra)
	d, err := Open(cfg)
	require.NoError(t, err)
	defer func() { _ = d.Close(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, d.Manager.Start(ctx))
	_, err = d.Manager.CreateServer(ctx, DefaultServer("s1", "one"))
	require.NoError(t, err)
	list, err := d.Manager.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOpenRejectsBadHistoryDSN(t *testing.T) {
	cfg := loadTestConfig(t, "[history]\ndsns = [\"kafka://nowhere\"]\n")
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	assert.NoError(t, RegisterMetrics(reg))
	assert.NoError(t, RegisterMetrics(reg))
}
