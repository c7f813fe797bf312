package config_test

import (
	"FCashLedger/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
[service]
nats_url = "nats://nats:4222"
persist_batch_size = 200
persist_flush_timeout = "25ms"
store_backend = "leveldb"
leveldb_path = "/var/lib/fcash/state"

[[cash_group]]
currency_id = 1
max_market_index = 2
rate_oracle_time_window = "20m"
total_fee = "0.3%"
reserve_fee_share = 30
rate_scalars = [20, 20]
max_asset_rate_age = "3600"
deposit_transfer_fee = "0.001"

[[cash_group]]
currency_id = 2
max_market_index = 1
rate_oracle_time_window = "600"
total_fee = "0.0025"
reserve_fee_share = 50
rate_scalars = [10]
max_asset_rate_age = "1h"
`

// ============================================================================
// Decimal parsing
// ============================================================================

func TestParseFixed(t *testing.T) {
	tests := []struct {
		in      string
		places  int32
		want    int64
		wantErr error
	}{
		{"1", 8, 100_000_000, nil},
		{"0.00000001", 8, 1, nil},
		{"-2.5", 8, -250_000_000, nil},
		{"0.000000001", 8, 0, config.ErrTooPrecise},
		{"abc", 8, 0, config.ErrBadDecimal},
		{"100000000000", 9, 0, config.ErrOutOfRange},
		{"", 8, 0, nil},
	}
	for _, tt := range tests {
		got, err := config.ParseFixed(tt.in, tt.places)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0.3%", 3_000_000},
		{"0.003", 3_000_000},
		{" 5% ", 50_000_000},
	}
	for _, tt := range tests {
		got, err := config.ParsePercent(tt.in, 9)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

// ============================================================================
// Documents
// ============================================================================

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg := config.Default()
	grpcAddr := cfg.GRPCAddr
	require.NoError(t, config.Parse(sampleDoc, &cfg))

	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
	assert.Equal(t, 200, cfg.PersistBatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, config.StoreLevelDB, cfg.StoreBackend)
	assert.Equal(t, grpcAddr, cfg.GRPCAddr, "absent keys keep their default")

	require.Len(t, cfg.CashGroups, 2)
	usd := cfg.CashGroups[0]
	assert.Equal(t, uint16(1), usd.CurrencyID)
	assert.Equal(t, int64(1200), usd.RateOracleTimeWindow)
	assert.Equal(t, int64(3_000_000), usd.TotalFee)
	assert.Equal(t, int64(3600), usd.MaxAssetRateAge)
	assert.Equal(t, int64(10), usd.DepositTransferFeeBPS)
	assert.Equal(t, []int64{20, 20}, usd.RateScalars)

	eur := cfg.CashGroups[1]
	assert.Equal(t, int64(600), eur.RateOracleTimeWindow)
	assert.Equal(t, int64(2_500_000), eur.TotalFee)
	assert.Equal(t, int64(3600), eur.MaxAssetRateAge)
	assert.Equal(t, int64(0), eur.DepositTransferFeeBPS)

	assert.NoError(t, cfg.Validate())
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	cfg := config.Default()
	err := config.Parse(`
[service]
nats_url = "nats://x"
persist_batch = 10
`, &cfg)
	assert.ErrorIs(t, err, config.ErrUnknownKeys)
	assert.Contains(t, err.Error(), "service.persist_batch")
}

func TestParse_RejectsTooPreciseFee(t *testing.T) {
	cfg := config.Default()
	err := config.Parse(`
[[cash_group]]
currency_id = 1
total_fee = "0.0000000001"
`, &cfg)
	assert.ErrorIs(t, err, config.ErrTooPrecise)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	assert.ErrorIs(t, cfg.Validate(), config.ErrNoCashGroups)

	require.NoError(t, config.Parse(sampleDoc, &cfg))
	cfg.LevelDBPath = ""
	assert.ErrorIs(t, cfg.Validate(), config.ErrLevelDBPath)

	cfg.StoreBackend = "rocksdb"
	assert.ErrorIs(t, cfg.Validate(), config.ErrStoreBackend)

	cfg.StoreBackend = config.StoreMemory
	cfg.CashGroups = append(cfg.CashGroups, cfg.CashGroups[0])
	assert.ErrorIs(t, cfg.Validate(), config.ErrDuplicateCash)
}

// ============================================================================
// Environment and files
// ============================================================================

func TestDefault_ReadsEnvironment(t *testing.T) {
	t.Setenv("FCASH_PERSIST_BATCH_SIZE", "7")
	t.Setenv("FCASH_PERSIST_FLUSH_TIMEOUT", "1s")
	t.Setenv("FCASH_SNAPSHOT_INTERVAL", "not-a-number")

	cfg := config.Default()
	assert.Equal(t, 7, cfg.PersistBatchSize)
	assert.Equal(t, time.Second, cfg.PersistFlushTimeout)
	assert.Equal(t, int64(100_000), cfg.SnapshotInterval, "bad values fall back to the default")
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fcash.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.CashGroups, 2)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
