// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package afl builds command lines and environments for AFL++ (afl-fuzz,
// afl-cmin and the qemu-user tracer) and parses their results.
// All target executions go through the generated restore script.
package afl

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// CminCrashed is the afl-cmin exit code for "the target crashed on some input".
const CminCrashed = 2

// Environment understood by the target shim.
const (
	EnvSnapshot       = "LETS_DO_THE_TIMEWARP_AGAIN"
	EnvCreateOutputs  = "FITM_CREATE_OUTPUTS"
	EnvSnapshotDir    = "CRIU_SNAPSHOT_DIR"
	EnvSnapshotOutDir = "CRIU_SNAPSHOT_OUT_DIR"
	EnvEntrypoint     = "AFL_ENTRYPOINT"
	EnvNoUI           = "AFL_NO_UI"
)

// Script is the restore script invoked for every execution, relative to the working area.
const Script = "./restore.sh"

func targetCmd() []string {
	return []string{"--", "bash", Script, "@@"}
}

// FuzzArgs returns afl-fuzz arguments for a time bounded run as the main node.
func FuzzArgs(in, out string, duration, timeout time.Duration) []string {
	args := []string{
		"-i", in,
		"-o", out,
		"-m", "none",
		"-M", "main",
		"-d",
		"-V", strconv.Itoa(int(duration.Seconds())),
		"-t", strconv.Itoa(int(timeout.Milliseconds())),
	}
	return append(args, targetCmd()...)
}

// CminArgs returns afl-cmin arguments.
// -U makes cmin run the target once per input, snapshots can be restored only once.
func CminArgs(in, out string, timeout time.Duration) []string {
	args := []string{
		"-i", in,
		"-o", out,
		"-t", strconv.Itoa(int(timeout.Milliseconds())),
		"-m", "none",
		"-U",
	}
	return append(args, targetCmd()...)
}

// FuzzEnv returns the environment for afl-fuzz runs.
func FuzzEnv() []string {
	return append(commonEnv(),
		"AFL_AUTORESUME=1",
		// Inputs are protocol messages, trimming them changes semantics.
		"AFL_DISABLE_TRIM=1",
		// Splits multi-byte compares, the map gets denser but the fuzzer gets stuck less.
		"AFL_COMPCOV_LEVEL=2",
	)
}

// CminEnv returns the environment for afl-cmin runs.
func CminEnv(keepTraces bool) []string {
	env := commonEnv()
	if keepTraces {
		// afl-cmin keeps afl-showmap traces of every kept input in <out>/.traces.
		env = append(env, "AFL_KEEP_TRACES=1")
	}
	return env
}

func commonEnv() []string {
	return []string{
		EnvSnapshotDir + "=./snapshot",
		// The target is bash running the restore script, not an instrumented binary.
		"AFL_SKIP_BIN_CHECK=1",
		EnvNoUI + "=1",
		// Restoring the first snapshot may take a while.
		"AFL_FORKSRV_INIT_TMOUT=60000",
		EnvCreateOutputs + "=1",
	}
}

// TracesDir is where afl-cmin keeps traces when AFL_KEEP_TRACES is set.
func TracesDir(cminOut string) string {
	return filepath.Join(cminOut, ".traces")
}

// TraceFile returns the trace of the minimized input.
func TraceFile(cminOut, input string) string {
	return filepath.Join(TracesDir(cminOut), filepath.Base(input))
}

// Queue returns the queue of the main fuzzer node.
func Queue(out string) string {
	return filepath.Join(out, "main", "queue")
}

// Crashes lists crashing inputs found by the main fuzzer node.
func Crashes(out string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(out, "main", "crashes"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []string
	for _, e := range entries {
		// AFL++ puts a README.txt next to crashes.
		if e.IsDir() || e.Name() == "README.txt" {
			continue
		}
		res = append(res, filepath.Join(out, "main", "crashes", e.Name()))
	}
	return res, nil
}

// InitCommand returns the command line starting the target under the tracer
// until its first receive. setsid detaches the target from the terminal,
// checkpointing a shell job is not supported; stdbuf keeps stdout line buffered.
func InitCommand(qemuTrace, bin string, args []string) []string {
	cmd := []string{"setsid", "stdbuf", "-oL", qemuTrace, bin}
	return append(cmd, args...)
}

// InitEnv returns the shim environment for the initial run.
func InitEnv(snapshotOutDir string, createOutputs, createSnapshot bool) []string {
	env := []string{
		EnvSnapshotOutDir + "=" + snapshotOutDir,
		EnvNoUI + "=1",
		// Never hit, disables the forkserver entrypoint.
		EnvEntrypoint + "=0x16",
	}
	if createOutputs {
		env = append(env, EnvCreateOutputs+"=1")
	}
	if createSnapshot {
		env = append(env, EnvSnapshot+"=1")
	}
	return env
}

// RestoreCommand returns the command line for a single restore fed with input.
func RestoreCommand(input string) []string {
	return []string{"setsid", "stdbuf", "-oL", "bash", Script, input}
}

// NextSnapshotEnv requests a checkpoint of the restored target at its next receive.
func NextSnapshotEnv(snapshotDir, outDir string) []string {
	return []string{
		EnvSnapshot + "=1",
		EnvSnapshotDir + "=" + snapshotDir,
		EnvSnapshotOutDir + "=" + outDir,
		EnvNoUI + "=1",
	}
}

// OutputsEnv requests the restored target to record what it sends.
func OutputsEnv() []string {
	return []string{
		EnvCreateOutputs + "=1",
		EnvNoUI + "=1",
	}
}
