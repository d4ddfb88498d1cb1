package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersFlags(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	require.NotNil(t, cmd.Flags().Lookup("addr"))
	require.NotNil(t, cmd.Flags().Lookup("model"))
	require.NotNil(t, cmd.Flags().Lookup("model-dir"))
	require.NotNil(t, cmd.Flags().Lookup("upload-dir"))
	require.NotNil(t, cmd.Flags().Lookup("language"))
	require.NotNil(t, cmd.Flags().Lookup("auto-download"))
	require.NotNil(t, cmd.Flags().Lookup("max-upload-bytes"))
	require.NotNil(t, cmd.Flags().Lookup("concurrency"))
	require.NotNil(t, cmd.Flags().Lookup("job-timeout"))
	require.NotNil(t, cmd.Flags().Lookup("job-retention"))
	require.NotNil(t, cmd.Flags().Lookup("silence-gate"))
	require.NotNil(t, cmd.Flags().Lookup("silence-threshold-dbfs"))

	require.Equal(t, "127.0.0.1:8080", cmd.Flags().Lookup("addr").DefValue)
	require.Equal(t, "base", cmd.Flags().Lookup("model").DefValue)
	require.Equal(t, "auto", cmd.Flags().Lookup("language").DefValue)
	require.Equal(t, "true", cmd.Flags().Lookup("auto-download").DefValue)
	require.Equal(t, "2", cmd.Flags().Lookup("concurrency").DefValue)
	require.Equal(t, "10m0s", cmd.Flags().Lookup("job-timeout").DefValue)
	require.Equal(t, "30m0s", cmd.Flags().Lookup("job-retention").DefValue)
	require.Equal(t, "true", cmd.Flags().Lookup("silence-gate").DefValue)
	require.Equal(t, "-65", cmd.Flags().Lookup("silence-threshold-dbfs").DefValue)
}

func TestRootHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	require.NoError(t, err)
	require.Contains(t, out.String(), "setup")
	require.Contains(t, out.String(), "version")
}

func TestSetupHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"setup", "--help"})

	err := cmd.Execute()
	require.NoError(t, err)
	require.Contains(t, out.String(), "Download and verify speech model assets")
}

func TestVersionSubcommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", "")

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"version"})

	err := cmd.Execute()
	require.NoError(t, err)
	require.Contains(t, out.String(), "voxserve v")
}

func TestSanitizeLanguage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "auto", sanitizeLanguage(""))
	require.Equal(t, "auto", sanitizeLanguage("  "))
	require.Equal(t, "en", sanitizeLanguage(" EN "))
	require.Equal(t, "de", sanitizeLanguage("de"))
}
