// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/fgsect/fitm/pkg/afl"
	"github.com/fgsect/fitm/pkg/criu"
	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/mgrconfig"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/pidctl"
	"github.com/fgsect/fitm/pkg/stat"
	"gopkg.in/yaml.v3"
)

// ErrEmptyMinimization means that afl-cmin dropped every input of a non-empty corpus.
var ErrEmptyMinimization = errors.New("afl-cmin minimized the corpus to 0 inputs")

var (
	statFuzzRuns = stat.New("fuzz runs", "Number of finished afl-fuzz runs",
		stat.Console, stat.Prometheus("fitm_fuzz_runs"))
	statExecs = stat.New("execs", "Target executions done by afl-fuzz",
		stat.Rate{}, stat.Prometheus("fitm_execs_total"))
	statCrashes = stat.New("crashes", "Crashing inputs found by afl-fuzz",
		stat.Console, stat.Prometheus("fitm_crashes"))
	statSnapshots = stat.New("snapshots", "Snapshots taken after a restore",
		stat.Console, stat.Prometheus("fitm_snapshots"))
	statSnapshotFails = stat.New("snapshot fails", "Restores that did not end in a snapshot",
		stat.Prometheus("fitm_snapshot_fails"))
	statFuzzTime = stat.New("fuzz time", "Duration of afl-fuzz runs (sec)", stat.Distribution{})
)

// Manager drives the external tools for snapshots. All operations that run
// a snapshot take the working area for their duration, so they must not be
// called concurrently.
type Manager struct {
	Layout
	cfg   *mgrconfig.Config
	ws    *Workspace
	tools Tools
	rnd   *rand.Rand
}

func NewManager(cfg *mgrconfig.Config, tools Tools, rnd *rand.Rand) *Manager {
	layout := Layout{Base: cfg.Workdir}
	return &Manager{
		Layout: layout,
		cfg:    cfg,
		ws:     NewWorkspace(layout.Active()),
		tools:  tools,
		rnd:    rnd,
	}
}

func (mgr *Manager) Workspace() *Workspace {
	return mgr.ws
}

// SavedQueue is the persisted fuzzer queue of s.
func (mgr *Manager) SavedQueue(s *Snapshot) string {
	return afl.Queue(filepath.Join(mgr.Saved(s.StatePath), OutDir))
}

// ActiveQueue is the fuzzer queue in the working area.
func (mgr *Manager) ActiveQueue() string {
	return afl.Queue(filepath.Join(mgr.ws.Dir(), OutDir))
}

// InitRun runs the target binary from program start up to its first receive.
// With createSnapshot the checkpoint becomes the persisted state of s.
// With createOutputs whatever the target sent on the way is stored as
// outputs of generation 0, the inputs of the first server generation.
func (mgr *Manager) InitRun(s *Snapshot, createOutputs, createSnapshot bool) error {
	if err := mgr.ws.Acquire(s.StatePath); err != nil {
		return err
	}
	defer mgr.ws.Release()
	dir := mgr.ws.Dir()
	if err := scaffold(dir, s); err != nil {
		return err
	}
	for _, file := range s.Files {
		if err := copyAny(file, filepath.Join(dir, filepath.Base(file))); err != nil {
			return fmt.Errorf("failed to copy %v: %w", file, err)
		}
	}
	image := filepath.Join(dir, ImageDir)
	if err := osutil.MkdirAll(image); err != nil {
		return err
	}
	job := &Job{
		Kind:   JobInit,
		Dir:    dir,
		Cmd:    afl.InitCommand(mgr.cfg.QemuTrace, s.Bin, s.Args),
		Env:    append(afl.InitEnv(image, createOutputs, createSnapshot), s.Env...),
		Stdout: Stdout,
		Stderr: Stderr,
		PID:    pidctl.Pick(mgr.rnd),
		Criu:   mgr.service(),
	}
	if createSnapshot {
		job.Image = image
	}
	code, err := mgr.tools.Run(job)
	if err != nil {
		return fmt.Errorf("init run of %v failed: %w", s, err)
	}
	log.Logf(0, "init run of %v exited with %v", s, code)
	fdDir := filepath.Join(dir, FdDir)
	if createSnapshot {
		if code != SnapshotTaken {
			return fmt.Errorf("init run of %v did not take a snapshot (exit code %v), see %v",
				s, code, dir)
		}
		if s.PID, err = mgr.tools.ProcessID(image); err != nil {
			return fmt.Errorf("failed to get pid of %v: %w", s, err)
		}
		// The pid is only known now.
		if err := writeRunInfo(dir, s); err != nil {
			return err
		}
		saved := mgr.Saved(s.StatePath)
		if err := osutil.RemoveAll(saved); err != nil {
			return err
		}
		if err := osutil.MoveDir(dir, saved); err != nil {
			return err
		}
		fdDir = filepath.Join(saved, FdDir)
	}
	if createOutputs {
		if err := mgr.CopyFdsToOutputs(fdDir, StatePath(0, 0)); err != nil {
			return err
		}
		if err := osutil.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}

// CopyFdsToOutputs stores every file in fdDir as an output of statePath.
func (mgr *Manager) CopyFdsToOutputs(fdDir, statePath string) error {
	files, err := osutil.ListFiles(fdDir)
	if err != nil {
		return err
	}
	outputs := filepath.Join(mgr.Saved(statePath), OutputsDir)
	if err := osutil.MkdirAll(outputs); err != nil {
		return err
	}
	for i, file := range files {
		if err := osutil.CopyFile(file, filepath.Join(outputs, fmt.Sprintf("initial%v", i))); err != nil {
			return err
		}
	}
	log.Logf(1, "stored %v initial outputs for %v", len(files), statePath)
	return nil
}

// ToActive materializes the persisted state of s in the working area and
// generates the restore script. The caller must own the working area for s.
// The image can be restored once after every ToActive.
func (mgr *Manager) ToActive(s *Snapshot) error {
	mgr.ws.mustOwn(s.StatePath)
	dir := mgr.ws.Dir()
	if err := osutil.RemoveAll(dir); err != nil {
		return err
	}
	if err := osutil.CopyDirRecursively(mgr.Saved(s.StatePath), dir); err != nil {
		return fmt.Errorf("failed to activate %v: %w", s, err)
	}
	osutil.Sync()
	return mgr.writeRestoreScript(dir, s)
}

func (mgr *Manager) writeRestoreScript(dir string, s *Snapshot) error {
	files, err := mgr.tools.InheritedFiles(filepath.Join(dir, ImageDir))
	if err != nil {
		return fmt.Errorf("failed to get inherited files of %v: %w", s, err)
	}
	script := criu.RestoreScript(criu.RestoreOptions{
		Criu:      mgr.cfg.Criu,
		StatePath: s.StatePath,
		BaseState: s.BaseState,
		Dir:       dir,
		Files:     files,
	})
	return osutil.WriteExecFile(filepath.Join(dir, afl.Script), script)
}

// FuzzRun fuzzes s for duration starting from the corpus in its in directory.
func (mgr *Manager) FuzzRun(s *Snapshot, duration time.Duration) error {
	if err := mgr.ws.Acquire(s.StatePath); err != nil {
		return err
	}
	defer mgr.ws.Release()
	if err := mgr.ToActive(s); err != nil {
		return err
	}
	dir := mgr.ws.Dir()
	out := filepath.Join(dir, OutDir)
	if err := osutil.RecreateDir(out); err != nil {
		return err
	}
	log.Logf(0, "fuzzing %v (%v) for %v", s, filepath.Base(s.Bin), duration)
	start := time.Now()
	code, err := mgr.tools.Run(&Job{
		Kind:   JobFuzz,
		Dir:    dir,
		Cmd:    append([]string{mgr.cfg.AFLFuzz}, afl.FuzzArgs("./"+InDir, "./"+OutDir, duration, s.Timeout)...),
		Env:    afl.FuzzEnv(),
		Stdout: ToolStdout,
		Stderr: ToolStderr,
	})
	if err != nil {
		return fmt.Errorf("afl-fuzz on %v failed: %w", s, err)
	}
	if code != 0 {
		return fmt.Errorf("afl-fuzz on %v exited with %v, see %v", s, code, dir)
	}
	statFuzzRuns.Add(1)
	statFuzzTime.Add(int(time.Since(start).Seconds()))
	if stats, err := afl.ReadStats(afl.StatsFile(out)); err != nil {
		log.Logf(0, "failed to read fuzzer stats of %v: %v", s, err)
	} else {
		for _, line := range stats.Summary() {
			log.Logf(0, "  %v", line)
		}
		statExecs.Add(stats.Int("execs_done"))
	}
	crashes, err := afl.Crashes(out)
	if err != nil {
		return err
	}
	if len(crashes) != 0 {
		log.Logf(0, "%v crashes present after fuzzing %v", len(crashes), s)
		statCrashes.Add(len(crashes))
	}
	return mgr.SaveFuzzResults(s)
}

// SaveFuzzResults merges the fuzzer output of the working area into the
// persisted state of s. The output is first copied aside as out_postrun and
// the copy is merged, so the working area keeps what this run produced.
func (mgr *Manager) SaveFuzzResults(s *Snapshot) error {
	dir := mgr.ws.Dir()
	postrun := filepath.Join(dir, OutPostrun)
	if err := osutil.RemoveAll(postrun); err != nil {
		return err
	}
	if err := osutil.CopyDirRecursively(filepath.Join(dir, OutDir), postrun); err != nil {
		return err
	}
	return osutil.CopyDirRecursively(postrun, filepath.Join(mgr.Saved(s.StatePath), OutDir))
}

// CopyQueueTo copies the fuzzer queue of s (persisted or in the working area) to dst.
func (mgr *Manager) CopyQueueTo(s *Snapshot, dst string, active bool) error {
	src := mgr.SavedQueue(s)
	if active {
		src = mgr.ActiveQueue()
	}
	if !osutil.IsExist(src) {
		return fmt.Errorf("no queue for %v in %v", s, src)
	}
	files, err := osutil.ListFiles(src)
	if err != nil {
		return err
	}
	if err := osutil.MkdirAll(dst); err != nil {
		return err
	}
	for _, file := range files {
		if err := osutil.CopyFile(file, filepath.Join(dst, filepath.Base(file))); err != nil {
			return err
		}
	}
	return nil
}

// Cmin minimizes the corpus in to out with s as the target.
// An empty corpus gets a placeholder input first, so that there is always
// something to fuzz. afl-cmin traces of the kept inputs end up in out/.traces
// if keepTraces is set.
func (mgr *Manager) Cmin(s *Snapshot, in, out string, keepTraces bool) error {
	if err := osutil.MkdirAll(in); err != nil {
		return err
	}
	inputs, err := osutil.ListFiles(in)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		log.Logf(0, "no inputs for %v, placing %v", s, NopInput)
		if err := osutil.WriteFile(filepath.Join(in, NopInput), []byte("nop")); err != nil {
			return err
		}
	}
	if err := osutil.RecreateDir(out); err != nil {
		return err
	}
	if err := mgr.ws.Acquire(s.StatePath); err != nil {
		return err
	}
	defer mgr.ws.Release()
	if err := mgr.ToActive(s); err != nil {
		return err
	}
	dir := mgr.ws.Dir()
	code, err := mgr.tools.Run(&Job{
		Kind:   JobCmin,
		Dir:    dir,
		Cmd:    append([]string{mgr.cfg.AFLCmin}, afl.CminArgs(in, out, s.Timeout)...),
		Env:    afl.CminEnv(keepTraces),
		Stdout: ToolStdout,
		Stderr: ToolStderr,
	})
	if err != nil {
		return fmt.Errorf("afl-cmin on %v failed: %w", s, err)
	}
	// Crashing inputs are expected, that's what we are looking for.
	if code != 0 && code != afl.CminCrashed {
		return fmt.Errorf("afl-cmin on %v exited with %v, see %v", s, code, dir)
	}
	kept, err := osutil.ListFiles(out)
	if err != nil {
		return err
	}
	if len(kept) == 0 {
		return fmt.Errorf("%v: %w, see %v", s, ErrEmptyMinimization, dir)
	}
	osutil.Sync()
	log.Logf(1, "minimized %v into %v inputs in %v", in, len(kept), out)
	return nil
}

// CreateOutputs restores s once for every input in inDir and stores what the
// target sends in response in outDir as <fd>-<input name>. It returns the
// stored outputs per input.
func (mgr *Manager) CreateOutputs(s *Snapshot, inDir, outDir string) (map[string][]string, error) {
	inputs, err := osutil.ListFiles(inDir)
	if err != nil {
		return nil, err
	}
	if err := osutil.MkdirAll(outDir); err != nil {
		return nil, err
	}
	log.Logf(0, "creating outputs of %v for %v inputs", s, len(inputs))
	res := make(map[string][]string)
	for _, input := range inputs {
		outputs, err := mgr.createOutputsFor(s, input, outDir)
		if err != nil {
			return nil, err
		}
		res[input] = outputs
	}
	return res, nil
}

func (mgr *Manager) createOutputsFor(s *Snapshot, input, outDir string) ([]string, error) {
	if err := mgr.ws.Acquire(s.StatePath); err != nil {
		return nil, err
	}
	defer mgr.ws.Release()
	if err := mgr.ToActive(s); err != nil {
		return nil, err
	}
	dir := mgr.ws.Dir()
	code, err := mgr.tools.Run(&Job{
		Kind:    JobOutput,
		Dir:     dir,
		Cmd:     afl.RestoreCommand(input),
		Env:     afl.OutputsEnv(),
		Stdin:   input,
		Stdout:  ToolStdout,
		Stderr:  ToolStderr,
		WaitPID: s.PID,
	})
	if err != nil {
		return nil, fmt.Errorf("output run of %v failed: %w", s, err)
	}
	if code != 0 {
		log.Logf(1, "output run of %v with %v exited with %v", s, filepath.Base(input), code)
	}
	fds, err := osutil.ListFiles(filepath.Join(dir, FdDir))
	if err != nil {
		return nil, err
	}
	var outputs []string
	for _, fd := range fds {
		if osutil.FileSize(fd) == 0 {
			continue
		}
		dst := filepath.Join(outDir, filepath.Base(fd)+"-"+filepath.Base(input))
		if err := osutil.CopyFile(fd, dst); err != nil {
			return nil, err
		}
		outputs = append(outputs, dst)
	}
	return outputs, nil
}

// CreateNextSnapshot restores s, feeds it input and lets the target
// checkpoint itself at its next receive. It returns the new snapshot with
// id nextID two generations deeper, or nil if the target did not get to
// the next receive (e.g. it exited or crashed). Nothing is persisted then.
func (mgr *Manager) CreateNextSnapshot(s *Snapshot, nextID int, input string) (*Snapshot, error) {
	next := s.Next(nextID)
	if err := mgr.ws.Acquire(next.StatePath); err != nil {
		return nil, err
	}
	defer mgr.ws.Release()
	dir := mgr.ws.Dir()
	if err := scaffold(dir, next); err != nil {
		return nil, err
	}
	if err := mgr.copyBase(s, dir); err != nil {
		return nil, err
	}
	if err := mgr.writeRestoreScript(dir, s); err != nil {
		return nil, err
	}
	nextImage := filepath.Join(dir, NextImageDir)
	if err := osutil.MkdirAll(nextImage); err != nil {
		return nil, err
	}
	log.Logf(1, "restoring %v with %v", s, input)
	start := time.Now()
	code, err := mgr.tools.Run(&Job{
		Kind:    JobNext,
		Dir:     dir,
		Cmd:     afl.RestoreCommand(input),
		Env:     afl.NextSnapshotEnv(filepath.Join(dir, ImageDir), nextImage),
		Stdin:   input,
		Stdout:  ToolStdout,
		Stderr:  ToolStderr,
		WaitPID: s.PID,
		Criu:    mgr.service(),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot run of %v failed: %w", s, err)
	}
	complete, err := imageComplete(nextImage)
	if err != nil {
		return nil, err
	}
	if !complete {
		statSnapshotFails.Add(1)
		log.Logf(0, "no snapshot %v with input %v (exit code %v)", next.StatePath, input, code)
		mgr.logServiceFailures(dir)
		return nil, nil
	}
	if err := osutil.ReplaceDir(nextImage, filepath.Join(dir, ImageDir)); err != nil {
		return nil, err
	}
	// The input may be dropped from the queue by the next minimization.
	if err := osutil.CopyFile(input, filepath.Join(dir, PrevInput)); err != nil {
		return nil, err
	}
	if err := osutil.WriteFile(filepath.Join(dir, PrevInputPath), []byte(input)); err != nil {
		return nil, err
	}
	if err := osutil.MkdirAll(nextImage); err != nil {
		return nil, err
	}
	// Leftovers of a run that crashed before saving the graph.
	saved := mgr.Saved(next.StatePath)
	if err := osutil.RemoveAll(saved); err != nil {
		return nil, err
	}
	if err := osutil.MoveDir(dir, saved); err != nil {
		return nil, err
	}
	statSnapshots.Add(1)
	log.Logf(0, "new snapshot %v with input %v in %v", next, filepath.Base(input),
		time.Since(start).Round(time.Millisecond))
	return next, nil
}

// copyBase copies everything criu needs to restore base into dir: the image,
// the pipe manifest, the fd area and stdout/stderr, which are part of the
// process state.
func (mgr *Manager) copyBase(base *Snapshot, dir string) error {
	saved := mgr.Saved(base.StatePath)
	if err := osutil.CopyDirRecursively(filepath.Join(saved, ImageDir), filepath.Join(dir, ImageDir)); err != nil {
		return fmt.Errorf("failed to copy image of %v: %w", base, err)
	}
	if err := osutil.CopyDirRecursively(filepath.Join(saved, FdDir), filepath.Join(dir, FdDir)); err != nil {
		return fmt.Errorf("failed to copy fd area of %v: %w", base, err)
	}
	for _, name := range []string{Pipes, Stdout, Stderr} {
		src := filepath.Join(saved, name)
		if !osutil.IsExist(src) {
			log.Logf(1, "%v has no %v", base, name)
			continue
		}
		if err := osutil.CopyFile(src, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	osutil.Sync()
	return nil
}

func (mgr *Manager) logServiceFailures(dir string) {
	var data []byte
	for _, name := range []string{criu.StdoutLog, criu.StderrLog} {
		if content, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			data = append(data, content...)
		}
	}
	latest, failed := criu.LatestSuccess(criu.WorkerExits(data))
	for _, w := range failed {
		log.Logf(0, "criu worker %v exited with %v at %.3f", w.Pid, w.Code, w.Time)
	}
	if latest != 0 {
		log.Logf(1, "last successful criu worker at %.3f", latest)
	}
}

func (mgr *Manager) service() *ServiceConfig {
	return &ServiceConfig{
		Bin:    mgr.cfg.Criu,
		Socket: mgr.cfg.CriuSocket,
	}
}

// scaffold creates the directories the fuzzer and the target shim expect.
func scaffold(dir string, s *Snapshot) error {
	for _, sub := range []string{InDir, OutDir, MapsDir, OutputsDir, FdDir} {
		if err := osutil.MkdirAll(filepath.Join(dir, sub)); err != nil {
			return err
		}
	}
	return writeRunInfo(dir, s)
}

func writeRunInfo(dir string, s *Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return osutil.WriteFile(filepath.Join(dir, RunInfo), data)
}

// ReadRunInfo reads the snapshot description stored in a state directory.
func ReadRunInfo(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, RunInfo))
	if err != nil {
		return nil, err
	}
	s := new(Snapshot)
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("bad %v in %v: %w", RunInfo, dir, err)
	}
	return s, nil
}

func copyAny(src, dst string) error {
	if osutil.IsDir(src) {
		return osutil.CopyDirRecursively(src, dst)
	}
	return osutil.CopyFile(src, dst)
}
