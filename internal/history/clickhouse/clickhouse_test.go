package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/gamevisor/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	sink, err := New(Options{Addr: addr, Table: "server_history"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()
	require.NoError(t, sink.EnsureTable(ctx))

	code := 1
	for _, e := range []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: history.Record{ServerID: "ch1", Status: "STARTING", PID: 12345}},
		{Type: history.EventCrash, OccurredAt: time.Now().UTC(), Record: history.Record{ServerID: "ch1", Status: "CRASHED", PID: 12345, ExitCode: &code}},
	} {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count uint64
	row := sink.conn.QueryRow(ctx, "SELECT count() FROM server_history WHERE server_id = 'ch1'")
	require.NoError(t, row.Scan(&count))
	assert.EqualValues(t, 2, count)
}

func TestRejectsBadTableName(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1", Table: "x; DROP TABLE y"})
	assert.Error(t, err)
}
