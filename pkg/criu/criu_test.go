// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package criu

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCrit writes a crit replacement that prints <image>.json.
func fakeCrit(t *testing.T, images map[string]string) (string, string) {
	if !osutil.IsExist("/bin/sh") {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "crit")
	require.NoError(t, osutil.WriteExecFile(bin, []byte("#!/bin/sh\ncat \"$3.json\"\n")))
	imagesDir := filepath.Join(dir, "snapshot")
	require.NoError(t, osutil.MkdirAll(imagesDir))
	for name, data := range images {
		require.NoError(t, osutil.WriteFile(filepath.Join(imagesDir, name+".json"), []byte(data)))
	}
	return bin, imagesDir
}

func TestProcessID(t *testing.T) {
	bin, images := fakeCrit(t, map[string]string{
		"pstree.img": `{"magic": "PSTREE", "entries": [{"pid": 16389, "ppid": 0, "pgid": 16389}]}`,
	})
	crit := &Crit{Bin: bin}
	pid, err := crit.ProcessID(images)
	require.NoError(t, err)
	assert.Equal(t, 16389, pid)
}

func TestProcessIDErrors(t *testing.T) {
	bin, images := fakeCrit(t, map[string]string{
		"pstree.img": `{"magic": "PSTREE", "entries": []}`,
	})
	crit := &Crit{Bin: bin}
	_, err := crit.ProcessID(images)
	assert.Error(t, err)
	// Missing image: cat fails.
	_, err = crit.ProcessID(filepath.Join(images, "missing"))
	assert.Error(t, err)
}

func TestInheritedFiles(t *testing.T) {
	bin, images := fakeCrit(t, map[string]string{
		"files.img": `{"magic": "FILES", "entries": [
			{"id": 1, "type": "REG", "reg": {"id": 1, "name": "/work/active-state/fd/5"}},
			{"id": 2, "type": "PIPE", "pipe": {"id": 2}},
			{"id": 3, "type": "REG", "reg": {"id": 3, "name": "/usr/lib/libc.so.6"}},
			{"id": 4, "type": "REG", "reg": {"id": 4, "name": "/work/active-state/fd/3"}}
		]}`,
		"fdinfo-2.img": `{"magic": "FDINFO", "entries": [
			{"id": 2, "flags": 0, "type": "PIPE", "fd": 0},
			{"id": 4, "flags": 0, "type": "REG", "fd": 3},
			{"id": 1, "flags": 0, "type": "REG", "fd": 5}
		]}`,
	})
	crit := &Crit{Bin: bin, Timeout: time.Minute}
	files, err := crit.InheritedFiles(images)
	require.NoError(t, err)
	want := []InheritFD{
		{FD: 3, Path: "/work/active-state/fd/3"},
		{FD: 5, Path: "/work/active-state/fd/5"},
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Fatal(diff)
	}
}

func TestInheritedFilesNotOpen(t *testing.T) {
	files := &filesImage{}
	require.NoError(t, json.Unmarshal([]byte(`{"entries": [{"id": 7, "reg": {"name": "/x/fd/1"}}]}`), files))
	_, err := matchInheritedFiles(files, &fdinfoImage{})
	assert.Error(t, err)
}

func TestRestoreScript(t *testing.T) {
	script := RestoreScript(RestoreOptions{
		Criu:      "/usr/sbin/criu",
		StatePath: "fitm-gen3-state1",
		BaseState: "fitm-gen1-state0",
		Dir:       "/work/active-state",
		Files:     []InheritFD{{FD: 3, Path: "/work/active-state/fd/3"}},
	})
	want := `#!/bin/bash
# fitm-gen3-state1 (base fitm-gen1-state0)
/usr/sbin/criu restore -d -v4 -o restore.log --images-dir /work/active-state/snapshot --shell-job \
    --inherit-fd "fd[1]:work/active-state/stdout" \
    --inherit-fd "fd[2]:work/active-state/stderr" \
    --inherit-fd "fd[3]:work/active-state/fd/3" \
    && echo 'OK'
`
	if diff := cmp.Diff(want, string(script)); diff != "" {
		t.Fatal(diff)
	}
}

func TestWorkerExits(t *testing.T) {
	data := []byte(`(00.000012) Starting service
(00.055739) Worker(pid 43750) exited with 0
(00.101000) Worker(pid 43751) exited with 1
garbage Worker(pid x) exited with
(01.500000) Worker(pid 43752) exited with 0
`)
	exits := WorkerExits(data)
	want := []WorkerExit{
		{Time: 0.055739, Pid: 43750, Code: 0},
		{Time: 0.101, Pid: 43751, Code: 1},
		{Time: 1.5, Pid: 43752, Code: 0},
	}
	if diff := cmp.Diff(want, exits); diff != "" {
		t.Fatal(diff)
	}
	latest, failed := LatestSuccess(exits)
	assert.Equal(t, 1.5, latest)
	assert.Equal(t, []WorkerExit{{Time: 0.101, Pid: 43751, Code: 1}}, failed)
	assert.Empty(t, WorkerExits(nil))
}

func TestService(t *testing.T) {
	if !osutil.IsExist("/bin/sh") {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "criu")
	// args: service -v4 --address <socket> --display-stats
	require.NoError(t, osutil.WriteExecFile(bin, []byte("#!/bin/sh\necho started >&2\ntouch \"$4\"\nexec sleep 100\n")))
	socket := filepath.Join(dir, "criu.sock")
	require.NoError(t, osutil.WriteFile(socket, nil))
	svc, err := StartService(bin, socket, dir)
	require.NoError(t, err)
	assert.True(t, osutil.IsExist(socket))
	svc.Stop()
	svc.Stop()
	assert.False(t, osutil.IsExist(socket))
	data, err := os.ReadFile(filepath.Join(dir, StderrLog))
	require.NoError(t, err)
	assert.Equal(t, "started\n", string(data))
}

func TestServiceExits(t *testing.T) {
	if !osutil.IsExist("/bin/sh") {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "criu")
	require.NoError(t, osutil.WriteExecFile(bin, []byte("#!/bin/sh\nexit 1\n")))
	_, err := StartService(bin, filepath.Join(dir, "criu.sock"), dir)
	assert.Error(t, err)
}
