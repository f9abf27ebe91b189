// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgsect/fitm/pkg/mgrconfig"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRole(t *testing.T) {
	assert.Equal(t, Client, RoleFor(0))
	assert.Equal(t, Server, RoleFor(1))
	assert.Equal(t, Client, RoleFor(2))
	assert.Equal(t, Server, RoleFor(7))
	assert.Equal(t, "fitm-gen1-state0", Server.Origin())
	assert.Equal(t, "fitm-gen2-state0", Client.Origin())

	data, err := json.Marshal([]Role{Client, Server})
	require.NoError(t, err)
	assert.Equal(t, `["client","server"]`, string(data))
	var roles []Role
	require.NoError(t, json.Unmarshal(data, &roles))
	assert.Equal(t, []Role{Client, Server}, roles)
	assert.Error(t, json.Unmarshal([]byte(`["proxy"]`), &roles))
	_, err = json.Marshal(Role(5))
	assert.Error(t, err)
}

func TestStatePath(t *testing.T) {
	assert.Equal(t, "fitm-gen3-state12", StatePath(3, 12))
	gen, id, err := ParseStatePath("fitm-gen3-state12")
	require.NoError(t, err)
	assert.Equal(t, 3, gen)
	assert.Equal(t, 12, id)
	for _, bad := range []string{"", "fitm-gen3", "gen3-state1", "fitm-gen3-state1.tmp", "fitm-gen-1-state0"} {
		_, _, err := ParseStatePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestNext(t *testing.T) {
	target := mgrconfig.Target{Bin: "/bin/server", Args: []string{"-p", "21"}, Files: []string{"conf"}}
	s := New(1, 0, target, time.Second, "")
	s.PID = 16400
	assert.True(t, s.Initial)
	assert.Equal(t, Server, s.Role)
	assert.Equal(t, "fitm-gen1-state0", s.Origin)

	next := s.Next(4)
	want := &Snapshot{
		Generation: 3,
		StateID:    4,
		StatePath:  "fitm-gen3-state4",
		Role:       Server,
		Bin:        "/bin/server",
		Timeout:    time.Second,
		BaseState:  "fitm-gen1-state0",
		Origin:     "fitm-gen1-state0",
		PID:        16400,
		Files:      []string{"conf"},
		Args:       []string{"-p", "21"},
	}
	if diff := cmp.Diff(want, next); diff != "" {
		t.Fatal(diff)
	}
	// Slices must not be shared between lineage members.
	next.Args[0] = "-x"
	assert.Equal(t, "-p", s.Args[0])
}

func TestRunInfo(t *testing.T) {
	dir := t.TempDir()
	s := New(2, 0, mgrconfig.Target{Bin: "client", Env: []string{"A=1"}}, 3*time.Second, "")
	s.PID = 17000
	require.NoError(t, scaffold(dir, s))
	for _, sub := range []string{InDir, OutDir, MapsDir, OutputsDir, FdDir} {
		assert.True(t, osutil.IsDir(filepath.Join(dir, sub)), sub)
	}
	got, err := ReadRunInfo(dir)
	require.NoError(t, err)
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatal(diff)
	}
	data, err := yaml.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), "role: client")
	assert.Contains(t, string(data), "timeout: 3s")
}

func TestWorkspace(t *testing.T) {
	ws := NewWorkspace(filepath.Join(t.TempDir(), "active-state"))
	require.NoError(t, ws.Acquire("a"))
	require.NoError(t, osutil.WriteFile(filepath.Join(ws.Dir(), "junk"), nil))
	assert.Equal(t, "a", ws.Owner())
	assert.Panics(t, func() { ws.Acquire("b") })
	assert.Panics(t, func() { ws.mustOwn("b") })
	ws.Release()
	assert.Equal(t, "", ws.Owner())
	// Contents survive Release for inspection.
	assert.True(t, osutil.IsExist(filepath.Join(ws.Dir(), "junk")))
	require.NoError(t, ws.Acquire("b"))
	assert.False(t, osutil.IsExist(filepath.Join(ws.Dir(), "junk")))
	ws.Release()
}

func TestImageComplete(t *testing.T) {
	dir := t.TempDir()
	complete, err := imageComplete(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, complete)
	for i, name := range []string{"pstree.img", "core-1.img", "mm-1.img"} {
		complete, err = imageComplete(dir)
		require.NoError(t, err)
		assert.False(t, complete, "%v entries", i)
		require.NoError(t, osutil.WriteFile(filepath.Join(dir, name), nil))
	}
	complete, err = imageComplete(dir)
	require.NoError(t, err)
	assert.True(t, complete)
}
