package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVICE_KEY", "svc")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("DB_SOURCE", "postgres://localhost/test")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("FEE_AMOUNT", "2.00")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("ENVIRONMENT", "")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load(Transfers)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 5, cfg.CompensationAttempts)
	assert.Equal(t, time.Second, cfg.CompensationBackoff)
	assert.Equal(t, 5*time.Minute, cfg.CompensationClaimLease)
	assert.Equal(t, 3, cfg.DebitConfirmAttempts)
	assert.Equal(t, 5, cfg.OutboxMaxRetries)
	assert.Equal(t, "2.00", cfg.FeeAmount.StringFixed(2))
	assert.Empty(t, cfg.KafkaBrokers)
	assert.True(t, cfg.Development())

	ob := cfg.Outbox()
	assert.Equal(t, 5*time.Second, ob.Interval)
	assert.Equal(t, 100, ob.BatchSize)
	assert.Equal(t, 7*24*time.Hour, ob.Retention)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("COMPENSATION_BACKOFF", "250ms")
	t.Setenv("FEE_AMOUNT", "1.005")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load(Fees)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.CompensationBackoff)
	assert.Equal(t, "1.01", cfg.FeeAmount.StringFixed(2))
	assert.False(t, cfg.Development())
}

func TestLoad_ConfigFile(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "transferops.yaml")
	require.NoError(t, os.WriteFile(path, []byte("SERVER_PORT: \"7070\"\nOUTBOX_BATCH_SIZE: 10\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load(Accounts)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 10, cfg.OutboxBatchSize)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		svc     Service
		unset   string
		wantErr string
	}{
		{"accounts needs a database", Accounts, "DB_SOURCE", "DB_SOURCE"},
		{"transfers needs a signing secret", Transfers, "JWT_SECRET", "JWT_SECRET"},
		{"every service needs the service key", Fees, "SERVICE_KEY", "SERVICE_KEY"},
		{"fees needs brokers", Fees, "KAFKA_BROKERS", "KAFKA_BROKERS"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv("KAFKA_BROKERS", "k1:9092")
			t.Setenv(tc.unset, "")

			_, err := Load(tc.svc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_BadFeeAmount(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FEE_AMOUNT", "two")

	_, err := Load(Transfers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEE_AMOUNT")
}

func TestFeesDoesNotNeedDatabase(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DB_SOURCE", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("KAFKA_BROKERS", "k1:9092")

	_, err := Load(Fees)
	require.NoError(t, err)
}
