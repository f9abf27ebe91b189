// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fgsect/fitm/pkg/criu"
	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/nsexec"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/pidctl"
)

type JobKind string

const (
	JobInit   JobKind = "init"
	JobFuzz   JobKind = "fuzz"
	JobCmin   JobKind = "cmin"
	JobOutput JobKind = "output"
	JobNext   JobKind = "next"
)

// SnapshotTaken is the job exit code reporting a complete checkpoint image.
const SnapshotTaken = 42

// noRestoredProcess is reported when the restored process never appeared.
const noRestoredProcess = 255

// minImageEntries is the number of files criu writes at least for a dump.
const minImageEntries = 3

// Job is one external program run inside a fresh PID and mount namespace.
// Relative paths are relative to Dir.
type Job struct {
	Kind   JobKind  `json:"kind"`
	Dir    string   `json:"dir"`
	Cmd    []string `json:"cmd"`
	Env    []string `json:"env,omitempty"`
	Stdin  string   `json:"stdin,omitempty"`
	Stdout string   `json:"stdout,omitempty"`
	Stderr string   `json:"stderr,omitempty"`
	// PID the command must get, the namespace pid counter is advanced accordingly.
	PID int `json:"pid,omitempty"`
	// WaitPID is the restored target to reap after the command exits.
	// criu restore -d detaches it, so it is reparented to the job.
	WaitPID int `json:"wait_pid,omitempty"`
	// Image is checked after the command: if it holds a complete checkpoint
	// the job exits with SnapshotTaken.
	Image string         `json:"image,omitempty"`
	Criu  *ServiceConfig `json:"criu,omitempty"`
	// EchoOutput copies the command output to the console log.
	EchoOutput bool `json:"echo_output,omitempty"`
}

// toolOutputLevel is the log verbosity that shows output of external tools.
const toolOutputLevel = 2

// ServiceConfig requests a criu service for the duration of the job.
type ServiceConfig struct {
	Bin    string `json:"bin"`
	Socket string `json:"socket"`
}

func (job *Job) String() string {
	return fmt.Sprintf("%v job %q in %v", job.Kind, strings.Join(job.Cmd, " "), job.Dir)
}

const nsJob = "snapshot"

func init() {
	nsexec.Register(nsJob, func(arg []byte) (int, error) {
		job := new(Job)
		if err := json.Unmarshal(arg, job); err != nil {
			return 0, fmt.Errorf("bad job: %w", err)
		}
		return runJob(job)
	})
}

// runJob executes job in the current process. It is pid 1 of the namespace.
func runJob(job *Job) (int, error) {
	if len(job.Cmd) == 0 {
		return 0, fmt.Errorf("empty command")
	}
	if err := os.Chdir(job.Dir); err != nil {
		return 0, err
	}
	if job.Criu != nil {
		svc, err := criu.StartService(job.Criu.Bin, job.Criu.Socket, job.Dir)
		if err != nil {
			return 0, err
		}
		defer svc.Stop()
	}
	if job.EchoOutput {
		// The job process does not parse flags.
		log.SetVerbosity(toolOutputLevel)
	}
	if job.PID != 0 {
		if err := pidctl.Advance(job.PID); err != nil {
			return 0, err
		}
	}
	// Not osutil.Command: the commands start with setsid, which forks when
	// the caller is a process group leader.
	cmd := exec.Command(job.Cmd[0], job.Cmd[1:]...)
	cmd.Env = append(os.Environ(), job.Env...)
	closeStdio, err := openStdio(job, cmd)
	defer closeStdio()
	if err != nil {
		return 0, err
	}
	err = cmd.Run()
	if errors.Is(err, exec.ErrWaitDelay) {
		// A detached process still holds the echoed output.
		err = nil
	}
	code := osutil.ExitCode(err)
	if err != nil && code == 0 {
		return 0, fmt.Errorf("failed to run %q: %w", job.Cmd, err)
	}
	log.Logf(1, "%v exited with %v", job, code)
	if job.WaitPID != 0 {
		code, err = nsexec.WaitPID(job.WaitPID)
		if errors.Is(err, syscall.ECHILD) {
			// The restore failed and there is nothing to wait for.
			code, err = noRestoredProcess, nil
		}
		if err != nil {
			return 0, err
		}
		log.Logf(1, "restored pid %v exited with %v", job.WaitPID, code)
	}
	if job.Image != "" {
		if complete, _ := imageComplete(job.Image); complete {
			return SnapshotTaken, nil
		}
	}
	return code, nil
}

func openStdio(job *Job, cmd *exec.Cmd) (func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	stdin := job.Stdin
	if stdin == "" {
		stdin = os.DevNull
	}
	f, err := os.Open(stdin)
	if err != nil {
		return closeAll, err
	}
	files = append(files, f)
	cmd.Stdin = f
	output := func(file string) (io.Writer, error) {
		var w io.Writer
		if file != "" {
			f, err := os.Create(file)
			if err != nil {
				return nil, err
			}
			files = append(files, f)
			w = f
		}
		if !job.EchoOutput {
			return w, nil
		}
		if w == nil {
			return log.VerboseWriter(toolOutputLevel), nil
		}
		return io.MultiWriter(w, log.VerboseWriter(toolOutputLevel)), nil
	}
	if cmd.Stdout, err = output(job.Stdout); err != nil {
		return closeAll, err
	}
	if cmd.Stderr, err = output(job.Stderr); err != nil {
		return closeAll, err
	}
	if job.EchoOutput {
		cmd.WaitDelay = time.Second
	}
	return closeAll, nil
}

// imageComplete reports whether dir holds a complete checkpoint.
// criu gives no reliable exit status for dumps triggered by the target itself,
// so this file count is the only success signal.
func imageComplete(dir string) (bool, error) {
	n, err := osutil.CountEntries(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return n >= minImageEntries, nil
}

// Tools runs the external programs. Host is the real implementation.
type Tools interface {
	Run(job *Job) (int, error)
	ProcessID(imagesDir string) (int, error)
	InheritedFiles(imagesDir string) ([]criu.InheritFD, error)
}

// Host runs jobs in fresh namespaces and decodes images with crit.
type Host struct {
	Crit criu.Crit
}

func (h *Host) Run(job *Job) (int, error) {
	job.EchoOutput = log.V(toolOutputLevel)
	arg, err := json.Marshal(job)
	if err != nil {
		return 0, err
	}
	log.Logf(2, "running %v", job)
	return nsexec.Run(nsJob, arg)
}

func (h *Host) ProcessID(imagesDir string) (int, error) {
	return h.Crit.ProcessID(imagesDir)
}

func (h *Host) InheritedFiles(imagesDir string) ([]criu.InheritFD, error) {
	return h.Crit.InheritedFiles(imagesDir)
}
