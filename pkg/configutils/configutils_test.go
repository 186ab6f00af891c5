package configutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leafConfig = `imports:
  - intermediate.yaml

a:
  b: 1
`

const intermediateConfig = `imports:
  - root.yaml
  -

a:
  c: 2
`

const rootConfig = `
a:
  b: 2
  d: 3
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0666))
	return path
}

func TestConfigFileImports(t *testing.T) {
	dir := t.TempDir()

	leafPath := writeConfig(t, dir, "leaf.yaml", leafConfig)
	writeConfig(t, dir, "intermediate.yaml", intermediateConfig)
	writeConfig(t, dir, "root.yaml", rootConfig)

	v := viper.New()
	require.NoError(t, ResolveAndMergeFile(v, leafPath))

	// leaf wins over intermediate wins over root
	assert.Equal(t, 1, v.GetInt("a.b"))
	assert.Equal(t, 2, v.GetInt("a.c"))
	assert.Equal(t, 3, v.GetInt("a.d"))
}

func TestResolveAndMergeFileErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		err := ResolveAndMergeFile(viper.New(), filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("no extension", func(t *testing.T) {
		path := writeConfig(t, dir, "config", "a: 1\n")
		err := ResolveAndMergeFile(viper.New(), path)
		assert.Error(t, err)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := writeConfig(t, dir, "config.conf", "a=1\n")
		err := ResolveAndMergeFile(viper.New(), path)
		assert.Error(t, err)
	})
}
