package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/canpipe/internal/buildinfo"
	"github.com/tphakala/canpipe/internal/conf"
	"github.com/tphakala/canpipe/internal/sink"
)

const testConfig = `
main:
  log:
    defaultlevel: warn
    console:
      enabled: true
      level: warn
bufferpool:
  maxmemorymb: 16
  sizebuckets: [4096, 65536, 1048576]
  mmapcachecapacity: 4
executor:
  cpuworkers: 1
  ioworkers: 2
  maxconcurrent: 4
  statsinterval: 1s
  shutdowngrace: 5s
pipeline:
  inputdir: %q
  maxparallelfiles: 2
  batchsize: 500
storage:
  outputdir: %q
  compression: zstd
  partitionstrategy: file
`

func execute(t *testing.T, configFile string, args ...string) error {
	t.Helper()
	root := RootCommand(&conf.Settings{}, buildinfo.NewContext("test", ""))
	root.SetArgs(append([]string{"--config", configFile}, args...))
	return root.Execute()
}

func TestGenerateProcessQuery(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "raw")
	output := filepath.Join(dir, "columnar")
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, fmt.Appendf(nil, testConfig, input, output), 0o600))

	require.NoError(t, execute(t, configFile, "generate", "--files", "2", "--sequences", "2", "--frames", "20"))
	matches, err := filepath.Glob(filepath.Join(input, "capture_*.bin"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	require.NoError(t, execute(t, configFile, "process"))

	store, err := sink.NewColumnStore(sink.Config{Dir: output}, nil)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck // test cleanup
	st := store.Stats()
	assert.Equal(t, 2, st.Partitions)
	assert.Positive(t, st.Rows)

	require.NoError(t, execute(t, configFile, "query", "--format", "csv", "signal", "=", "EngineSpeed"))
	require.Error(t, execute(t, configFile, "query", "signal", "~", "EngineSpeed"))
	require.NoError(t, execute(t, configFile, "dbc"))
	require.NoError(t, execute(t, configFile, "stats"))
}

func TestMissingConfigFile(t *testing.T) {
	err := execute(t, filepath.Join(t.TempDir(), "missing.yaml"), "dbc")
	require.Error(t, err)
}
