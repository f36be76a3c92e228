package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyproto/env/v2"
)

func setEnv(t *testing.T, name, value string) {
	t.Helper()
	require.NoError(t, env.Set(name, value))
	t.Cleanup(func() { _ = env.Unset(name) })
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a64bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	n, err := c.StackBytes()
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.PageZeroBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), n)
	assert.False(t, c.Verbose)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
verbose = true
stack_size = "2MiB"
signatures = "/etc/a64bridge/libc.toml"
`)
	c := Default()
	require.NoError(t, c.LoadFile(path))
	assert.True(t, c.Verbose)
	assert.Equal(t, "/etc/a64bridge/libc.toml", c.Signatures)
	assert.Equal(t, DefaultPageZero, c.PageZero, "unset keys keep their default")
	n, err := c.StackBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), n)
}

func TestFileRejectsUnknownKeys(t *testing.T) {
	c := Default()
	assert.Error(t, c.LoadFile(writeFile(t, "stacksize = \"1MiB\"\n")))
	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, `
stack_size = "2MiB"
pagezero = "64KiB"
trace = true
`)
	setEnv(t, EnvStackSize, "4MiB")
	setEnv(t, EnvPrintRegs, "1")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--stack-size", "16MiB"}))

	c, err := FromFlags(fs)
	require.NoError(t, err)
	assert.Equal(t, "16MiB", c.StackSize, "flag beats env and file")
	assert.Equal(t, "64KiB", c.PageZero, "file beats default")
	assert.True(t, c.PrintRegs, "env beats default")
	assert.True(t, c.Trace)

	fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))
	c, err = FromFlags(fs)
	require.NoError(t, err)
	assert.Equal(t, "4MiB", c.StackSize, "env beats file")
}

func TestInvalidSizes(t *testing.T) {
	c := Default()
	c.StackSize = "lots"
	assert.Error(t, c.Validate())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{"--pagezero", "-1"}))
	assert.Error(t, Default().ApplyFlags(fs))
}

func TestNoColorFromEnv(t *testing.T) {
	setEnv(t, EnvNoColor, "1")
	c := Default()
	c.ApplyEnv()
	assert.True(t, c.NoColor)
}
