package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/load"
)

func newRunCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	addRunFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestJobFromFlags(t *testing.T) {
	cmd := newRunCmd(t,
		"--format", "xlsx",
		"--target", "customers",
		"--map", "Code=customer_code,Mail=email",
		"--key", "customer_code",
		"--mode", "merge",
		"--conflict", "update",
	)

	job, err := jobFromFlags(cmd, "data/customers.xlsx")
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(job.Path))
	assert.Equal(t, "customers.xlsx", filepath.Base(job.Path))
	assert.Equal(t, ingest.FormatExcel, job.Format)
	assert.Equal(t, "customers", job.Target)
	assert.Equal(t, map[string]string{"Code": "customer_code", "Mail": "email"}, job.Mapping)
	assert.Equal(t, []string{"customer_code"}, job.KeyColumns)
	assert.Equal(t, load.ModeMerge, job.Mode)
	assert.Equal(t, load.ConflictUpdate, job.Conflict)
}

func TestJobFromFlags_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"--mode", "fast"},
		{"--conflict", "overwrite"},
		{"--format", "parquet"},
	} {
		_, err := jobFromFlags(newRunCmd(t, args...), "a.csv")
		assert.Error(t, err, args)
	}
}

func TestInspectCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte("order_number,total_amount\nO1,10.50\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"inspect", path, "--rows", "1"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), `"row_count": 1`)
	assert.Contains(t, out.String(), `"order_number"`)
}
