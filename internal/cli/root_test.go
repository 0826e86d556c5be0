package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "mnemo version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Mnemo")
		assert.Contains(t, helpText, "session")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		// Check config flag exists
		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		// Check log-level flag exists
		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

// writeTestConfig writes a config file with the gateway disabled into
// dataDir and returns its path. The storage section comes from the caller.
func writeTestConfig(t *testing.T, dataDir string, storage map[string]interface{}) string {
	t.Helper()

	cfg := map[string]interface{}{
		"data_dir": dataDir,
		"storage":  storage,
		"gateway":  map[string]interface{}{"enabled": false},
		"logging":  map[string]interface{}{"level": "info", "console": false},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dataDir, "mnemo.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// runCommand executes the root command with args and captures its output.
// The config flag is restored afterwards so tests do not leak state.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	oldCfgFile := cfgFile
	defer func() { cfgFile = oldCfgFile }()

	cmd := GetRootCmd()
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)

	err := cmd.Execute()
	return output.String(), err
}
