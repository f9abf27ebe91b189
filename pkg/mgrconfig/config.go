// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import "time"

type Config struct {
	// Location of the working directory. Contents:
	// - <workdir>/saved-states/*: persisted snapshots
	// - <workdir>/active-state: working area of the current restore
	// - <workdir>/fitm-state.json: the snapshot graph
	// - <workdir>/generation_inputs/N: extra inputs for generation N (optional)
	Workdir string `json:"workdir"`
	// Address of the status page (e.g. "localhost:56741"). Empty disables it.
	HTTP string `json:"http,omitempty"`

	// Client and server targets. Both are started under qemu-user tracing.
	Client Target `json:"client"`
	Server Target `json:"server"`

	// Fuzzing time per snapshot per stage, in seconds.
	RunTime int `json:"run_time"`
	// Per-execution timeout passed to the fuzzer, in milliseconds.
	ExecTimeout int `json:"exec_timeout"`
	// Only spend real fuzzing time on server generations.
	// Client generations are still run so that the server gets new states.
	ServerOnly bool `json:"server_only,omitempty"`

	// External programs. Relative names are looked up in $PATH.
	Criu       string `json:"criu"`
	Crit       string `json:"crit"`
	CriuSocket string `json:"criu_socket"`
	AFLFuzz    string `json:"afl_fuzz"`
	AFLCmin    string `json:"afl_cmin"`
	QemuTrace  string `json:"qemu_trace"`

	// Probability thresholds of the scheduler: a random draw above
	// restart_threshold resets exploration to generation 1, a draw above
	// skip_threshold skips the current generation.
	RestartThreshold float64 `json:"restart_threshold"`
	SkipThreshold    float64 `json:"skip_threshold"`
	// Outputs with similarity above this value to a known output are dropped.
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// Max number of snapshots fuzzed per stage.
	SampleSize int `json:"sample_size"`
	// Random seed. 0 means seed from time.
	Seed int64 `json:"seed,omitempty"`
}

type Target struct {
	Bin  string   `json:"bin"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`
	// Files copied into the working directory of every run.
	Files []string `json:"files,omitempty"`
}

func (cfg *Config) RunDuration() time.Duration {
	return time.Duration(cfg.RunTime) * time.Second
}

func (cfg *Config) ExecTimeoutDuration() time.Duration {
	return time.Duration(cfg.ExecTimeout) * time.Millisecond
}
