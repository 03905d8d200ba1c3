package dedupheap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		require.NoError(t, os.Setenv(k, v))
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
	fn()
}

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"MERGE_METRIC", "MIN_MEM_TH", "MALLOC_MERGE_FREQ", "ENABLE_BACKTRACE", "NOT_MPI_APP", "SEM_KEY", "SBLLDEDUP_NODE_WIDTH", "ENABLE_PARTIAL_MERGE_STATS"} {
		os.Unsetenv(k)
	}
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	withEnv(t, map[string]string{
		"MERGE_METRIC":               "2",
		"MIN_MEM_TH":                 "25",
		"MALLOC_MERGE_FREQ":          "50",
		"ENABLE_BACKTRACE":           "1",
		"NOT_MPI_APP":                "1",
		"SEM_KEY":                    "99",
		"SBLLDEDUP_NODE_WIDTH":       "16",
		"ENABLE_PARTIAL_MERGE_STATS": "1",
	}, func() {
		cfg, err := ConfigFromEnv()
		require.NoError(t, err)
		require.Equal(t, MergeByThresh, cfg.MergeMetric)
		require.Equal(t, 25, cfg.MinMemThresholdMB)
		require.Equal(t, 50, cfg.MallocMergeFreq)
		require.True(t, cfg.EnableBacktrace)
		require.True(t, cfg.NotMPIApp)
		require.Equal(t, 99, cfg.SemKey)
		require.Equal(t, NodeWidth16, cfg.NodeWidth)
		require.True(t, cfg.EnablePartialStats)
	})
}

func TestConfigFromEnvRejectsMalformed(t *testing.T) {
	withEnv(t, map[string]string{"MERGE_METRIC": "not-a-number"}, func() {
		_, err := ConfigFromEnv()
		require.Error(t, err)
		require.ErrorIs(t, err, ErrConfiguration)
	})

	withEnv(t, map[string]string{"SBLLDEDUP_NODE_WIDTH": "12"}, func() {
		_, err := ConfigFromEnv()
		require.Error(t, err)
	})

	withEnv(t, map[string]string{"MALLOC_MERGE_FREQ": "0"}, func() {
		_, err := ConfigFromEnv()
		require.Error(t, err)
	})
}
