package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "polygons", "catchments", "plan", "run", "status", "runs", "export", "import", "metrics", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "wit", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("plan")
	require.NotNil(t, flag)
	assert.Equal(t, "plan.yaml", flag.DefValue)

	for _, name := range []string{"artifact", "aggregate-days", "reset", "metrics-addr"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "run should have --%s", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestPolygonsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range polygonsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["register"])
	assert.True(t, names["reopen"])
}

func TestImportCommand_RequiresPolyID(t *testing.T) {
	flag := importCmd.Flags().Lookup("poly-id")
	require.NotNil(t, flag)
	assert.Contains(t, flag.Annotations, cobra.BashCompOneRequiredFlag)
}

func TestCatchmentsLoad_NameField(t *testing.T) {
	flag := catchmentsLoadCmd.Flags().Lookup("name-field")
	require.NotNil(t, flag)
	assert.Equal(t, "CATCHMENT", flag.DefValue)
}
