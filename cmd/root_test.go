package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homenest/nous/internal/compose"
	"github.com/homenest/nous/internal/config"
	"github.com/homenest/nous/internal/dispatch"
	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/store"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"migrate", "import", "queue", "dispatch", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "nous", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func subcommandNames(c *cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, sub := range c.Commands() {
		names[sub.Name()] = true
	}
	return names
}

func TestGroupCommands_HaveSubcommands(t *testing.T) {
	assert.Equal(t, map[string]bool{"preview": true, "run": true}, subcommandNames(importCmd))
	assert.Equal(t, map[string]bool{"build": true, "show": true, "clear": true, "pause": true, "resume": true}, subcommandNames(queueCmd))
	assert.Equal(t, map[string]bool{"start": true, "sync": true, "retry": true}, subcommandNames(dispatchCmd))
}

func TestCommandFlags(t *testing.T) {
	require.NotNil(t, importRunCmd.Flags().Lookup("file"))
	mode := importRunCmd.Flags().Lookup("mode")
	require.NotNil(t, mode)
	assert.Equal(t, "append", mode.DefValue)
	require.NotNil(t, importRunCmd.Flags().Lookup("confirm"))

	require.NotNil(t, queueBuildCmd.Flags().Lookup("lead"))
	require.NotNil(t, queueBuildCmd.Flags().Lookup("all"))
	require.NotNil(t, dispatchStartCmd.Flags().Lookup("scenario"))

	port := serveCmd.Flags().Lookup("port")
	require.NotNil(t, port)
	assert.Equal(t, "0", port.DefValue)
}

func TestQueueTarget(t *testing.T) {
	cfg = &config.Config{Queue: config.QueueConfig{DefaultNumber: 2}}

	queueChannel, queueNumber = "email", 0
	ch, n, err := queueTarget()
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, ch)
	assert.Equal(t, 2, n)

	queueChannel, queueNumber = "fax", 1
	_, _, err = queueTarget()
	assert.True(t, model.IsValidation(err))

	queueChannel, queueNumber = "call", -1
	_, _, err = queueTarget()
	assert.True(t, model.IsValidation(err))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	require.NoError(t, printJSON(c, map[string]int{"deleted": 3}))
	assert.JSONEq(t, `{"deleted": 3}`, buf.String())
}

func TestNewScheduler(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	cat, err := compose.ParseCatalog([]byte("scenarios: []"))
	require.NoError(t, err)
	d := dispatch.New(st, cat, dispatch.Config{})

	c, err := newScheduler(context.Background(), config.MonitoringConfig{
		RetrySchedule: "@every 5m",
		CheckSchedule: "@every 15m",
	}, d, st, nil)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)

	_, err = newScheduler(context.Background(), config.MonitoringConfig{RetrySchedule: "not a schedule"}, d, st, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid retry-sweep schedule")
}
