package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbreader.log")

	l, err := Init(Config{Level: "info", Encoding: "json", OutputPath: path, Service: "dbreader"})
	require.NoError(t, err)

	l.Info("became MASTER")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "became MASTER")
	assert.Contains(t, string(data), `"service":"dbreader"`)
}

func TestInit_RejectsUnknownEncoding(t *testing.T) {
	_, err := Init(Config{Encoding: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("debug").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}
