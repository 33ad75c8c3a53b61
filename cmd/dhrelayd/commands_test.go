package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/keys"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "init", "version", "query", "retry", "upload", "estimate"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestVersionCmd(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "dhrelayd")
	assert.Contains(t, out.String(), Version)
}

func TestInitCmdWritesConfigAndKeys(t *testing.T) {
	home := t.TempDir()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"init", "--home", home})
	require.NoError(t, root.Execute())

	cfg, err := config.Load(home)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.NodeHome)
	assert.Equal(t, filepath.Join(home, "blobs"), cfg.Services.BlobStoreDir)

	for _, kind := range keys.RequiredKinds(&cfg) {
		_, err := os.Stat(keys.Path(home, kind))
		assert.NoError(t, err, "key for %s not created", kind)
	}
	assert.Contains(t, out.String(), "relayer address")

	// a second init keeps the existing config and keys
	root = NewRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"init", "--home", home})
	require.NoError(t, root.Execute())
}

func TestEstimateRejectsBadSize(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"estimate", "-5", "--home", t.TempDir()})
	assert.Error(t, root.Execute())
}
