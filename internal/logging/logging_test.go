package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	logging "github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	ConfigureWriter(&buf, logging.WARNING)
	log := logging.MustGetLogger("remap.test")

	log.Info("hidden")
	log.Warning("copy 2 failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARNING remap.test: copy 2 failed")
}

func TestConfigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remap.log")
	lf, err := Configure("DEBUG", path)
	require.NoError(t, err)
	require.NotNil(t, lf)
	defer lf.Close()

	_, err = Configure("LOUD", "")
	assert.Error(t, err)
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, "ERROR", LevelFor(true, true, "INFO"))
	assert.Equal(t, "DEBUG", LevelFor(true, false, "INFO"))
	assert.Equal(t, "NOTICE", LevelFor(false, false, "NOTICE"))
	assert.Equal(t, "INFO", LevelFor(false, false, ""))
}
