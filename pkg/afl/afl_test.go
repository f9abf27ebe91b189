// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package afl

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{
			FuzzArgs("./in", "./out", time.Minute, 3*time.Second),
			[]string{"-i", "./in", "-o", "./out", "-m", "none", "-M", "main", "-d",
				"-V", "60", "-t", "3000", "--", "bash", "./restore.sh", "@@"},
		},
		{
			CminArgs("/w/cmin-tmp", "/w/saved-states/s/in", 3*time.Second),
			[]string{"-i", "/w/cmin-tmp", "-o", "/w/saved-states/s/in", "-t", "3000", "-m", "none", "-U",
				"--", "bash", "./restore.sh", "@@"},
		},
		{
			InitCommand("/bin/afl-qemu-trace", "/bin/server", []string{"-p", "21"}),
			[]string{"setsid", "stdbuf", "-oL", "/bin/afl-qemu-trace", "/bin/server", "-p", "21"},
		},
		{
			RestoreCommand("/w/in/x"),
			[]string{"setsid", "stdbuf", "-oL", "bash", "./restore.sh", "/w/in/x"},
		},
	}
	for i, test := range tests {
		if diff := cmp.Diff(test.want, test.args); diff != "" {
			t.Errorf("#%v: %v", i, diff)
		}
	}
}

func TestEnv(t *testing.T) {
	env := FuzzEnv()
	assert.Contains(t, env, "AFL_SKIP_BIN_CHECK=1")
	assert.Contains(t, env, "AFL_FORKSRV_INIT_TMOUT=60000")
	assert.Contains(t, env, "AFL_AUTORESUME=1")
	assert.Contains(t, env, "AFL_DISABLE_TRIM=1")
	assert.Contains(t, env, "AFL_COMPCOV_LEVEL=2")
	assert.Contains(t, env, "CRIU_SNAPSHOT_DIR=./snapshot")
	assert.Contains(t, env, "FITM_CREATE_OUTPUTS=1")
	assert.NotContains(t, env, "AFL_KEEP_TRACES=1")
	assert.NotContains(t, CminEnv(false), "AFL_KEEP_TRACES=1")
	assert.Contains(t, CminEnv(true), "AFL_KEEP_TRACES=1")
	assert.NotContains(t, CminEnv(true), "AFL_AUTORESUME=1")

	initEnv := InitEnv("/w/active-state/snapshot", false, true)
	assert.Contains(t, initEnv, "LETS_DO_THE_TIMEWARP_AGAIN=1")
	assert.Contains(t, initEnv, "CRIU_SNAPSHOT_OUT_DIR=/w/active-state/snapshot")
	assert.NotContains(t, initEnv, "FITM_CREATE_OUTPUTS=1")
	initEnv = InitEnv("/w/active-state/snapshot", true, false)
	assert.Contains(t, initEnv, "FITM_CREATE_OUTPUTS=1")
	assert.NotContains(t, initEnv, "LETS_DO_THE_TIMEWARP_AGAIN=1")
}

func TestParseStats(t *testing.T) {
	stats := ParseStats([]byte(`start_time        : 1612345678
execs_done        : 1234
execs_per_sec     : 20.57
paths_total       : 17
stability         : 98.50%
unique_crashes    : 1
bogus line
command_line      : afl-fuzz -i ./in -- bash ./restore.sh @@
`))
	assert.Equal(t, 1234, stats.Int("execs_done"))
	assert.Equal(t, 20, stats.Int("execs_per_sec"))
	assert.Equal(t, 98, stats.Int("stability"))
	assert.Equal(t, 0, stats.Int("missing"))
	assert.Equal(t, "afl-fuzz -i ./in -- bash ./restore.sh @@", stats["command_line"])
	assert.Equal(t, []string{
		"execs_done: 1234",
		"execs_per_sec: 20.57",
		"paths_total: 17",
		"stability: 98.50%",
		"unique_crashes: 1",
	}, stats.Summary())
}

func TestReadStatsMissing(t *testing.T) {
	_, err := ReadStats(StatsFile(t.TempDir()))
	assert.Error(t, err)
}

func TestCrashes(t *testing.T) {
	out := t.TempDir()
	crashes, err := Crashes(out)
	require.NoError(t, err)
	assert.Empty(t, crashes)

	dir := filepath.Join(out, "main", "crashes")
	require.NoError(t, osutil.MkdirAll(dir))
	require.NoError(t, osutil.WriteFile(filepath.Join(dir, "README.txt"), nil))
	require.NoError(t, osutil.WriteFile(filepath.Join(dir, "id:000000,sig:11"), nil))
	crashes, err = Crashes(out)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "id:000000,sig:11")}, crashes)
}

func TestTraceFile(t *testing.T) {
	assert.Equal(t, "/w/q/.traces/id:000001", TraceFile("/w/q", "/w/tmp/id:000001"))
	assert.Equal(t, "/o/main/queue", Queue("/o"))
}
