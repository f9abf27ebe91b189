// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTargets(t *testing.T) (string, string) {
	dir := t.TempDir()
	client := filepath.Join(dir, "client")
	server := filepath.Join(dir, "server")
	require.NoError(t, os.WriteFile(client, nil, 0755))
	require.NoError(t, os.WriteFile(server, nil, 0755))
	return client, server
}

func TestLoadDefaults(t *testing.T) {
	client, server := testTargets(t)
	data := fmt.Sprintf(`{
		# comment lines are allowed
		"workdir": %q,
		"client": {"bin": %q, "args": ["-p", "2121"]},
		"server": {"bin": %q}
	}`, t.TempDir(), client, server)
	cfg, err := LoadData([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.RunDuration())
	assert.Equal(t, 3*time.Second, cfg.ExecTimeoutDuration())
	assert.Equal(t, 0.98, cfg.RestartThreshold)
	assert.Equal(t, 0.93, cfg.SkipThreshold)
	assert.Equal(t, 0.98, cfg.SimilarityThreshold)
	assert.Equal(t, 5, cfg.SampleSize)
	assert.Equal(t, "/tmp/criu_service.socket", cfg.CriuSocket)
	assert.Equal(t, []string{"-p", "2121"}, cfg.Client.Args)
	assert.False(t, cfg.ServerOnly)
}

func TestLoadErrors(t *testing.T) {
	client, server := testTargets(t)
	workdir := t.TempDir()
	tests := []struct {
		name string
		cfg  string
	}{
		{"no workdir", fmt.Sprintf(`{"client": {"bin": %q}, "server": {"bin": %q}}`, client, server)},
		{"no client", fmt.Sprintf(`{"workdir": %q, "server": {"bin": %q}}`, workdir, server)},
		{"missing server", fmt.Sprintf(`{"workdir": %q, "client": {"bin": %q}, "server": {"bin": "/nonexistent"}}`,
			workdir, client)},
		{"bad threshold", fmt.Sprintf(`{"workdir": %q, "client": {"bin": %q}, "server": {"bin": %q},
			"skip_threshold": 1.5}`, workdir, client, server)},
		{"bad run time", fmt.Sprintf(`{"workdir": %q, "client": {"bin": %q}, "server": {"bin": %q},
			"run_time": 0}`, workdir, client, server)},
		{"bad sample", fmt.Sprintf(`{"workdir": %q, "client": {"bin": %q}, "server": {"bin": %q},
			"sample_size": 0}`, workdir, client, server)},
		{"unknown field", fmt.Sprintf(`{"workdir": %q, "client": {"bin": %q}, "server": {"bin": %q},
			"target": "linux/amd64"}`, workdir, client, server)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadData([]byte(test.cfg))
			assert.Error(t, err)
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	client, server := testTargets(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "fitm.yaml")
	data := fmt.Sprintf(`
workdir: %v
client:
  bin: %v
server:
  bin: %v
  env: ["LD_BIND_NOW=1"]
run_time: 5
server_only: true
criu: ./criu-bin
`, filepath.Join(dir, "work"), client, server)
	require.NoError(t, os.WriteFile(file, []byte(data), 0644))
	cfg, err := LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.RunDuration())
	assert.True(t, cfg.ServerOnly)
	assert.Equal(t, []string{"LD_BIND_NOW=1"}, cfg.Server.Env)
	assert.True(t, filepath.IsAbs(cfg.Criu), cfg.Criu)
	assert.True(t, filepath.IsAbs(cfg.Workdir), cfg.Workdir)
}
