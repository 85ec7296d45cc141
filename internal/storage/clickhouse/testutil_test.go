package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"vessel-telemetry/internal/storage"
)

// setupTestDB creates a ClickHouse container and returns a connection.
// Returns a cleanup function that must be called when done.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	// Start ClickHouse container
	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60 * time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "test",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port())

	conn, err := NewConn(ctx, dsn)
	require.NoError(t, err)

	createTelemetryTable(t, conn)

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}

	return conn, cleanup
}

// createTelemetryTable mirrors migrations/clickhouse/001_telemetry.sql.
func createTelemetryTable(t *testing.T, conn *Conn) {
	t.Helper()

	err := conn.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS telemetry (
			measurement  LowCardinality(String),
			field        LowCardinality(String),
			timestamp_ms UInt64,
			bin          UInt16 DEFAULT 0,
			value        Float64
		) ENGINE = MergeTree()
		ORDER BY (measurement, field, timestamp_ms, bin)
		SETTINGS index_granularity = 8192
	`)
	require.NoError(t, err)
}

// insertRows loads fixture rows for one measurement.
func insertRows(t *testing.T, conn *Conn, measurement string, rows []storage.Row) {
	t.Helper()

	batch, err := conn.PrepareBatch(context.Background(), `
		INSERT INTO telemetry (measurement, field, timestamp_ms, bin, value)
	`)
	require.NoError(t, err)

	for _, r := range rows {
		require.NoError(t, batch.Append(measurement, r.Field, uint64(r.TimestampMs), uint16(r.Bin), r.Value))
	}
	require.NoError(t, batch.Send())
}
