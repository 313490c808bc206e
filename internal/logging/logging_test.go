package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	logger := Initialize("debug")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	// Unknown levels fall back to info instead of failing.
	logger = Initialize("chatty")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestSetupFileLogging(t *testing.T) {
	logger := Initialize("info")
	logFile := filepath.Join(t.TempDir(), "logs", "audible.log")

	require.NoError(t, SetupFileLogging(logger, logFile))
	logger.Info("hello")

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
}

func TestNewComponentLogger(t *testing.T) {
	entry := NewComponentLogger(Initialize("info"), "vault")
	assert.Equal(t, "vault", entry.Data["component"])
}
