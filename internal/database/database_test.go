package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/biosecurity-triage-service/internal/config"
)

func TestDBTX_SatisfiedByMock(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	var _ DBTX = mock
}

func TestAcquireAdvisoryLockTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	t.Run("locks with the given key", func(t *testing.T) {
		mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
			WithArgs(QueueLockKey).
			WillReturnResult(pgxmock.NewResult("SELECT", 1))

		require.NoError(t, AcquireAdvisoryLockTx(context.Background(), mock, QueueLockKey))
	})

	t.Run("wraps failure", func(t *testing.T) {
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
			WithArgs(int64(7)).
			WillReturnError(errors.New("deadlock"))

		err := AcquireAdvisoryLockTx(context.Background(), mock, 7)
		assert.ErrorContains(t, err, "failed to acquire advisory lock 7")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthStatus_JSON(t *testing.T) {
	data, err := json.Marshal(HealthStatus{Status: "healthy", MaxConns: 25})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"error"`)
	assert.Contains(t, string(data), `"status":"healthy"`)

	data, err = json.Marshal(HealthStatus{Status: "unhealthy", Error: "connection refused"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error":"connection refused"`)
}

func TestNew_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}

	// 192.0.2.1 is TEST-NET-1 (RFC 5737), guaranteed unroutable.
	cfg := &config.DatabaseConfig{
		Host:              "192.0.2.1",
		Port:              5432,
		Name:              "triage",
		User:              "user",
		Password:          "pass",
		SSLMode:           config.SSLModeDisable,
		MaxConns:          5,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    2 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := New(ctx, cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, db)
}
