// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package nsexec runs registered jobs in a fresh PID and mount namespace.
//
// A Go process cannot fork, so the current binary is re-executed with the
// namespace clone flags and the job name in argv[0]. Every binary that uses
// Execute must call Init first thing in main:
//
//	func main() {
//		if nsexec.Init() {
//			return // not reached, the child exits in Init
//		}
//		...
//	}
//
// Inside the namespace the job runs as PID 1 with its own /proc, so PID
// dependent state (e.g. checkpoint images) is reproducible across runs.
package nsexec

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/osutil"
)

// Job is executed in the child. The returned code becomes the exit status
// of the child, an error makes the child crash.
type Job func(arg []byte) (int, error)

const marker = "fitm-nsexec:"

var (
	mu   sync.Mutex
	jobs = make(map[string]Job)
)

// Register makes a job available to Execute. It is meant to be called from init.
func Register(name string, job Job) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := jobs[name]; ok {
		panic(fmt.Sprintf("nsexec job %q registered twice", name))
	}
	if job == nil || name == "" {
		panic("nsexec: bad job registration")
	}
	jobs[name] = job
}

func lookup(name string) Job {
	mu.Lock()
	defer mu.Unlock()
	return jobs[name]
}

// Init runs the requested job if the process is an nsexec child and exits.
// Otherwise it returns false.
func Init() bool {
	if len(os.Args) == 0 || !strings.HasPrefix(os.Args[0], marker) {
		return false
	}
	name := strings.TrimPrefix(os.Args[0], marker)
	job := lookup(name)
	if job == nil {
		log.Fatalf("nsexec: unknown job %q", name)
	}
	arg, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Fatalf("nsexec: failed to read job argument: %v", err)
	}
	if err := setupNamespace(); err != nil {
		log.Fatalf("nsexec: namespace setup failed: %v", err)
	}
	code, err := job(arg)
	// The parent reads files written by the job right after it exits.
	osutil.Sync()
	if err != nil {
		panic(fmt.Sprintf("nsexec job %q failed: %v", name, err))
	}
	os.Exit(code)
	return true
}

// Handle is a started job.
type Handle struct {
	pid    int
	mu     sync.Mutex
	done   bool
	status int
	err    error
	wait   func() (int, error)
}

func (h *Handle) Pid() int {
	return h.pid
}

// Wait blocks until the job exits and returns its exit code.
// Termination by a signal is reported as 128+signal.
// Repeated calls return the same result.
func (h *Handle) Wait() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		h.status, h.err = h.wait()
		h.done = true
	}
	return h.status, h.err
}

// Run executes the job and waits for it.
func Run(name string, arg []byte) (int, error) {
	h, err := Execute(name, arg)
	if err != nil {
		return 0, err
	}
	return h.Wait()
}
