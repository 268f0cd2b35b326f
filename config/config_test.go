package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, tempDir, dataDir)
	assert.NotEmpty(t, firstCfg.ServerID)
	assert.Equal(t, PortModeAutomatic, firstCfg.PortMode)
	assert.Zero(t, firstCfg.ListeningPort)
	assert.Equal(t, filepath.Join(tempDir, "files"), firstCfg.TransferFolder)
	assert.Equal(t, DefaultTransferRetryLimit, firstCfg.TransferRetryLimit)
	assert.True(t, firstCfg.AutoProcessRequests)
	assert.False(t, firstCfg.AutoAcceptTransfers)
	assert.Equal(t, filepath.Join(tempDir, "config.json"), firstPath)

	secondCfg, secondPath, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, firstPath, secondPath)
	assert.Equal(t, firstCfg.ServerID, secondCfg.ServerID)
	assert.Equal(t, firstCfg.PortMode, secondCfg.PortMode)
}

func TestLoadOrCreateNormalizesLegacyConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	legacy := &ServerConfig{
		ServerID:                     "legacy-server",
		ServerName:                   "Legacy",
		ListeningPort:                9999,
		TransferUpdateInterval:       4,
		FileTransferStalledTimeoutMs: 250,
		TransferRetryLimit:           -1,
		LogLevel:                     "chatty",
	}
	require.NoError(t, Save(ConfigPath(tempDir), legacy))

	cfg, _, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, PortModeFixed, cfg.PortMode)
	assert.Equal(t, 9999, cfg.ListeningPort)
	assert.Equal(t, "legacy-server", cfg.ServerID)
	assert.Equal(t, DefaultTransferUpdateInterval, cfg.TransferUpdateInterval)
	assert.Equal(t, 250, cfg.FileTransferStalledTimeoutMs)
	assert.Equal(t, DefaultTransferRetryLimit, cfg.TransferRetryLimit)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)

	reloaded, err := Load(ConfigPath(tempDir))
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestTransferSettingsConvertsMilliseconds(t *testing.T) {
	cfg := &ServerConfig{
		SocketBufferSize:             4096,
		SocketTimeoutMs:              1500,
		FileTransferStalledTimeoutMs: 2500,
		TransferUpdateInterval:       0.05,
		TransferRetryLimit:           2,
		RetryLimitLockoutMs:          60000,
		LogLevel:                     "debug",
	}

	settings := cfg.TransferSettings()
	assert.Equal(t, 4096, settings.BufferSize)
	assert.Equal(t, 1500*time.Millisecond, settings.SocketTimeout)
	assert.Equal(t, 2500*time.Millisecond, settings.StallTimeout)
	assert.Equal(t, 0.05, settings.UpdateInterval)
	assert.Equal(t, 2, settings.RetryLimit)
	assert.Equal(t, time.Minute, settings.LockoutDuration)
	assert.Equal(t, 1500*time.Millisecond, cfg.SocketTimeout())
	assert.Equal(t, logrus.DebugLevel, cfg.LogrusLevel())

	cfg.LogLevel = "nonsense"
	assert.Equal(t, logrus.InfoLevel, cfg.LogrusLevel())
}
