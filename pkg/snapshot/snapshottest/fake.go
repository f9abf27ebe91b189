// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package snapshottest provides a fake implementation of snapshot.Tools.
// It simulates the filesystem effects of the target shim, criu, afl-fuzz and
// afl-cmin, so that snapshot operations can be tested without root and
// without the external tools.
package snapshottest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fgsect/fitm/pkg/afl"
	"github.com/fgsect/fitm/pkg/criu"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/snapshot"
)

// Program models a target binary. history holds the messages received since
// program start. It returns what the target sends in response to input and
// whether it reaches its next receive.
type Program func(history [][]byte, input []byte) (output []byte, alive bool)

// Echo answers every message with prefix+message and exits on "quit".
func Echo(prefix string) Program {
	return func(history [][]byte, input []byte) ([]byte, bool) {
		return append([]byte(prefix), input...), !bytes.HasPrefix(input, []byte("quit"))
	}
}

type Tools struct {
	Programs map[string]Program
	// Greetings are sent by the binaries before their first receive.
	Greetings map[string][]byte
	// Exit codes returned by afl-fuzz and afl-cmin.
	FuzzExit int
	CminExit int
	// CminDropAll makes afl-cmin keep nothing.
	CminDropAll bool
	// InitFails makes init runs end before the first receive.
	InitFails bool

	mu    sync.Mutex
	calls []snapshot.Job
}

// imageState is stored in the fake checkpoint image.
type imageState struct {
	Bin     string   `json:"bin"`
	Pid     int      `json:"pid"`
	History [][]byte `json:"history"`
}

const (
	stateFile = "state.json"
	outputFd  = "1"
)

func New(programs map[string]Program) *Tools {
	return &Tools{
		Programs:  programs,
		Greetings: make(map[string][]byte),
	}
}

// Calls returns all jobs run so far.
func (ft *Tools) Calls() []snapshot.Job {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]snapshot.Job(nil), ft.calls...)
}

// CallsOf returns jobs of the given kind.
func (ft *Tools) CallsOf(kind snapshot.JobKind) []snapshot.Job {
	var res []snapshot.Job
	for _, job := range ft.Calls() {
		if job.Kind == kind {
			res = append(res, job)
		}
	}
	return res
}

func (ft *Tools) Run(job *snapshot.Job) (int, error) {
	ft.mu.Lock()
	ft.calls = append(ft.calls, *job)
	ft.mu.Unlock()
	switch job.Kind {
	case snapshot.JobInit:
		return ft.runInit(job)
	case snapshot.JobFuzz:
		return ft.runFuzz(job)
	case snapshot.JobCmin:
		return ft.runCmin(job)
	case snapshot.JobOutput:
		return ft.runRestore(job, false)
	case snapshot.JobNext:
		return ft.runRestore(job, true)
	}
	return 0, fmt.Errorf("unknown job kind %q", job.Kind)
}

func (ft *Tools) ProcessID(imagesDir string) (int, error) {
	st, err := readImage(imagesDir)
	if err != nil {
		return 0, err
	}
	return st.Pid, nil
}

func (ft *Tools) InheritedFiles(imagesDir string) ([]criu.InheritFD, error) {
	if _, err := readImage(imagesDir); err != nil {
		return nil, err
	}
	files, err := osutil.ListFiles(filepath.Join(filepath.Dir(imagesDir), snapshot.FdDir))
	if err != nil {
		return nil, err
	}
	var res []criu.InheritFD
	for _, file := range files {
		fd, err := strconv.Atoi(filepath.Base(file))
		if err != nil {
			continue
		}
		res = append(res, criu.InheritFD{FD: fd, Path: file})
	}
	return res, nil
}

func (ft *Tools) runInit(job *snapshot.Job) (int, error) {
	// setsid stdbuf -oL <qemu> <bin> args...
	if len(job.Cmd) < 5 {
		return 0, fmt.Errorf("bad init command %q", job.Cmd)
	}
	bin := job.Cmd[4]
	if ft.Programs[bin] == nil {
		return 0, fmt.Errorf("unknown binary %v", bin)
	}
	env := parseEnv(job.Env)
	if env[afl.EnvCreateOutputs] != "" {
		if greeting := ft.Greetings[bin]; len(greeting) != 0 {
			if err := osutil.WriteFile(filepath.Join(job.Dir, snapshot.FdDir, outputFd), greeting); err != nil {
				return 0, err
			}
		}
	}
	if env[afl.EnvSnapshot] == "" || ft.InitFails {
		return 0, nil
	}
	outDir := env[afl.EnvSnapshotOutDir]
	if err := writeImage(outDir, &imageState{Bin: bin, Pid: job.PID}); err != nil {
		return 0, err
	}
	if job.Image != "" {
		return snapshot.SnapshotTaken, nil
	}
	return 0, nil
}

func (ft *Tools) runFuzz(job *snapshot.Job) (int, error) {
	if _, err := readImage(filepath.Join(job.Dir, snapshot.ImageDir)); err != nil {
		return 0, err
	}
	in, out := filepath.Join(job.Dir, flagValue(job.Cmd, "-i")), filepath.Join(job.Dir, flagValue(job.Cmd, "-o"))
	inputs, err := osutil.ListFiles(in)
	if err != nil {
		return 0, err
	}
	queue := afl.Queue(out)
	if err := osutil.MkdirAll(queue); err != nil {
		return 0, err
	}
	id := 0
	for _, input := range inputs {
		data, err := os.ReadFile(input)
		if err != nil {
			return 0, err
		}
		for _, variant := range [][]byte{data, append(append([]byte{}, data...), '!')} {
			name := fmt.Sprintf("id:%06d,orig:%v", id, filepath.Base(input))
			if err := osutil.WriteFile(filepath.Join(queue, name), variant); err != nil {
				return 0, err
			}
			id++
		}
	}
	stats := fmt.Sprintf("execs_done        : %v\npaths_total       : %v\nunique_crashes    : 0\n", id*100, id)
	if err := osutil.WriteFile(afl.StatsFile(out), []byte(stats)); err != nil {
		return 0, err
	}
	return ft.FuzzExit, nil
}

func (ft *Tools) runCmin(job *snapshot.Job) (int, error) {
	st, err := readImage(filepath.Join(job.Dir, snapshot.ImageDir))
	if err != nil {
		return 0, err
	}
	program := ft.Programs[st.Bin]
	in, out := flagValue(job.Cmd, "-i"), flagValue(job.Cmd, "-o")
	keepTraces := parseEnv(job.Env)["AFL_KEEP_TRACES"] != ""
	inputs, err := osutil.ListFiles(in)
	if err != nil {
		return 0, err
	}
	if err := osutil.MkdirAll(out); err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	for _, input := range inputs {
		data, err := os.ReadFile(input)
		if err != nil {
			return 0, err
		}
		if seen[string(data)] || ft.CminDropAll {
			continue
		}
		seen[string(data)] = true
		dst := filepath.Join(out, filepath.Base(input))
		if err := osutil.WriteFile(dst, data); err != nil {
			return 0, err
		}
		if keepTraces {
			output, alive := program(st.History, data)
			trace := fmt.Sprintf("%x:%v\n", output, alive)
			if err := osutil.MkdirAll(afl.TracesDir(out)); err != nil {
				return 0, err
			}
			if err := osutil.WriteFile(afl.TraceFile(out, dst), []byte(trace)); err != nil {
				return 0, err
			}
		}
	}
	return ft.CminExit, nil
}

func (ft *Tools) runRestore(job *snapshot.Job, next bool) (int, error) {
	images := filepath.Join(job.Dir, snapshot.ImageDir)
	st, err := readImage(images)
	if err != nil {
		return 0, err
	}
	// criu can restore an image only once.
	if err := os.Remove(filepath.Join(images, stateFile)); err != nil {
		return 0, err
	}
	if job.WaitPID != st.Pid {
		return 0, fmt.Errorf("waiting for pid %v, restored %v", job.WaitPID, st.Pid)
	}
	input, err := os.ReadFile(job.Stdin)
	if err != nil {
		return 0, err
	}
	output, alive := ft.Programs[st.Bin](st.History, input)
	// The shim truncates the fd area on restore, an empty file means no output.
	if err := osutil.WriteFile(filepath.Join(job.Dir, snapshot.FdDir, outputFd), output); err != nil {
		return 0, err
	}
	if !alive {
		return 1, nil
	}
	if next {
		env := parseEnv(job.Env)
		st.History = append(st.History, input)
		if err := writeImage(env[afl.EnvSnapshotOutDir], st); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func readImage(dir string) (*imageState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return nil, fmt.Errorf("no checkpoint in %v: %w", dir, err)
	}
	st := new(imageState)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	return st, nil
}

func writeImage(dir string, st *imageState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := osutil.MkdirAll(dir); err != nil {
		return err
	}
	files := map[string][]byte{
		stateFile:      data,
		"pstree.img":   []byte("pstree"),
		"files.img":    []byte("files"),
		"fdinfo-2.img": []byte("fdinfo"),
	}
	for name, content := range files {
		if err := osutil.WriteFile(filepath.Join(dir, name), content); err != nil {
			return err
		}
	}
	return nil
}

func parseEnv(env []string) map[string]string {
	res := make(map[string]string)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		res[k] = v
	}
	return res
}

func flagValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
