package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "rxlog", cmd.Use)
	assert.Contains(t, cmd.Long, "write-ahead log")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"init"},
		{"status"},
		{"record", "create"},
		{"record", "delete"},
		{"record", "delete-create"},
		{"snapshot"},
		{"lose-reference"},
		{"reclaim"},
		{"checkpoint"},
		{"replay"},
		{"bench"},
		{"scenario"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestRecordCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	createCmd, _, err := cmd.Find([]string{"record", "create"})
	require.NoError(t, err)
	exprFlag := createCmd.Flags().Lookup("expr")
	require.NotNil(t, exprFlag)
	assert.Equal(t, "null", exprFlag.DefValue)
	require.NotNil(t, createCmd.Flags().Lookup("state"))

	deleteCmd, _, err := cmd.Find([]string{"record", "delete"})
	require.NoError(t, err)
	assert.Nil(t, deleteCmd.Flags().Lookup("expr"), "delete carries no payload")
	assert.Nil(t, deleteCmd.Flags().Lookup("state"))
}

func TestReplayCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	replayCmd, _, err := cmd.Find([]string{"replay"})
	require.NoError(t, err)

	failFlag := replayCmd.Flags().Lookup("fail-on-invalid")
	require.NotNil(t, failFlag)
	assert.Equal(t, "false", failFlag.DefValue)
	require.NotNil(t, replayCmd.Flags().Lookup("recover"))
}

func TestBenchCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	benchCmd, _, err := cmd.Find([]string{"bench"})
	require.NoError(t, err)

	for flag, def := range map[string]string{
		"workers":          "4",
		"ops":              "250",
		"checkpoint-every": "200",
		"delete-every":     "3",
		"metrics-addr":     "",
	} {
		f := benchCmd.Flags().Lookup(flag)
		require.NotNil(t, f, flag)
		assert.Equal(t, def, f.DefValue, flag)
	}
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("yaml"))
	assert.False(t, isValidFormat(""))
}
