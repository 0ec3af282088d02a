package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	c := NewConfig(WithoutLogFile())
	require.Equal(30*24*time.Hour, c.MaxKeepForLaterAge())
	require.Equal(10, c.ReceiptMaxAttempts)
	require.Equal(time.Minute, c.ContinuousFreshness())
	require.Equal(10*time.Second, c.ContinuousQuietWindow())
	require.Equal("reconcile", c.MetricsNamespace)
	require.Nil(c.writer)
}

func TestOptionsOverride(t *testing.T) {
	require := require.New(t)

	c := NewConfig(WithoutLogFile(), WithSagaWorkers(9), WithContinuousQuietWindowMs(5), WithLoggingPrefix("a"))
	require.Equal(9, c.SagaWorkers)
	require.Equal(5*time.Millisecond, c.ContinuousQuietWindow())
	require.NotNil(c.Logger("router"))
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "reconcile.yaml")
	require.Nil(os.WriteFile(path, []byte("receipt_max_attempts: 3\nsaga_workers: 2\nmetrics_namespace: test\n"), 0o600))

	c, err := LoadFile(path, WithRootDir(dir))
	require.Nil(err)
	require.Equal(3, c.ReceiptMaxAttempts)
	require.Equal(2, c.SagaWorkers)
	require.Equal("test", c.MetricsNamespace)
	require.Equal(int64(60000), c.EvictionIntervalMs)
	require.NotNil(c.writer)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "reconcile.yaml")
	require.Nil(os.WriteFile(path, []byte("saga_workers: 0\n"), 0o600))

	_, err := LoadFile(path)
	require.NotNil(err)

	require.Nil(os.WriteFile(path, []byte("eviction_interval_ms: 0\n"), 0o600))
	_, err = LoadFile(path)
	require.NotNil(err)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.NotNil(err)
}
