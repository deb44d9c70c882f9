package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.AppEnv)
	assert.Equal(t, StorageSQLite, cfg.StorageDriver)
	assert.Equal(t, 10*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 3, cfg.VerifyRetries)
	assert.False(t, cfg.AppStoreSandbox)

	key, err := cfg.SealingKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoad_FromEnvFile(t *testing.T) {
	os.Clearenv()

	path := filepath.Join(t.TempDir(), ".env")
	content := strings.Join([]string{
		"STORAGE_DRIVER=redis",
		"APP_STORE_SANDBOX=true",
		"STORAGE_SEALING_KEY=" + strings.Repeat("ab", 32),
		"VERIFY_TIMEOUT=3s",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorageRedis, cfg.StorageDriver)
	assert.True(t, cfg.AppStoreSandbox)
	assert.Equal(t, 3*time.Second, cfg.VerifyTimeout)

	key, err := cfg.SealingKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoad_Invalid(t *testing.T) {
	os.Clearenv()
	t.Setenv("STORAGE_DRIVER", "postgres")
	_, err := Load()
	assert.Error(t, err)

	os.Clearenv()
	t.Setenv("STORAGE_SEALING_KEY", "abcd")
	_, err = Load()
	assert.Error(t, err)
}
