package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("ESCROWD_DB_DSN", "postgres://escrow:pw@localhost:5432/escrow")
	t.Setenv("ESCROWD_INDEXER_BASE_URL", "http://indexer:4000")
	t.Setenv("ESCROWD_DISPATCH_INTERVAL_SECONDS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":3001", cfg.ListenAddress)
	require.Equal(t, "postgres://escrow:pw@localhost:5432/escrow", cfg.DatabaseDSN)
	require.Equal(t, 5*time.Second, cfg.DispatchInterval())
	require.Equal(t, 30*time.Second, cfg.ReconcileInterval())
	require.Equal(t, 1024, cfg.Webhooks.QueueCapacity)
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	content := strings.Join([]string{
		`ListenAddress = ":4001"`,
		`DatabaseDSN = "postgres://file"`,
		`RevealSecret = "from-file"`,
		``,
		`[Chain]`,
		`BaseURL = "http://indexer:4000"`,
		`TimeoutSeconds = 15`,
		``,
		`[Reconciler]`,
		`IntervalSeconds = 60`,
		`Batch = 50`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":4001", cfg.ListenAddress)
	require.Equal(t, "from-file", cfg.RevealSecret)
	require.Equal(t, 15*time.Second, cfg.ChainTimeout())
	require.Equal(t, 60, cfg.Reconciler.IntervalSeconds)
	// Unset sections keep their defaults.
	require.Equal(t, 15, cfg.Dispatcher.IntervalSeconds)
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	content := strings.Join([]string{
		`DatabaseDSN = "postgres://file"`,
		``,
		`[Chain]`,
		`BaseURL = "http://file-indexer"`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("ESCROWD_DB_DSN", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://env", cfg.DatabaseDSN)
	require.Equal(t, "http://file-indexer", cfg.Chain.BaseURL)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*testing.T)
		want   string
	}{
		{"missing dsn", func(t *testing.T) {
			t.Setenv("ESCROWD_INDEXER_BASE_URL", "http://indexer")
		}, "DatabaseDSN"},
		{"missing indexer", func(t *testing.T) {
			t.Setenv("ESCROWD_DB_DSN", "postgres://env")
		}, "Chain.BaseURL"},
		{"short encryption key", func(t *testing.T) {
			t.Setenv("ESCROWD_DB_DSN", "postgres://env")
			t.Setenv("ESCROWD_INDEXER_BASE_URL", "http://indexer")
			t.Setenv("ESCROWD_ENCRYPTION_KEY", "abcd")
		}, "EncryptionKey"},
		{"bad interval", func(t *testing.T) {
			t.Setenv("ESCROWD_DB_DSN", "postgres://env")
			t.Setenv("ESCROWD_INDEXER_BASE_URL", "http://indexer")
			t.Setenv("ESCROWD_DISPATCH_INTERVAL_SECONDS", "-1")
		}, "Dispatcher"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mutate(t)
			_, err := Load("")
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`DatabasePath = "typo"`), 0o644))
	t.Setenv("ESCROWD_DB_DSN", "postgres://env")
	t.Setenv("ESCROWD_INDEXER_BASE_URL", "http://indexer")

	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}
