// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package nsexec

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Execute starts the named job in a new PID and mount namespace.
// The child is a session leader and is killed if the parent dies.
func Execute(name string, arg []byte) (*Handle, error) {
	if lookup(name) == nil {
		return nil, fmt.Errorf("nsexec: unknown job %q", name)
	}
	rp, wp, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer rp.Close()
	defer wp.Close()
	attr := &os.ProcAttr{
		Env:   os.Environ(),
		Files: []*os.File{rp, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Cloneflags: syscall.CLONE_NEWPID | syscall.CLONE_NEWNS,
			Setsid:     true,
			Pdeathsig:  syscall.SIGKILL,
		},
	}
	proc, err := os.StartProcess("/proc/self/exe", []string{marker + name}, attr)
	if err != nil {
		return nil, fmt.Errorf("failed to start job %v: %w", name, err)
	}
	rp.Close()
	h := &Handle{pid: proc.Pid}
	h.wait = func() (int, error) {
		defer proc.Release()
		return WaitPID(proc.Pid)
	}
	if _, err := wp.Write(arg); err != nil {
		proc.Kill()
		h.Wait()
		return nil, fmt.Errorf("failed to pass argument to job %v: %w", name, err)
	}
	return h, nil
}

// WaitPID reaps pid, a child of the caller or a process reparented to it.
// Termination by a signal is reported as 128+signal.
func WaitPID(pid int) (int, error) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EINTR) {
			return 0, fmt.Errorf("wait4(%v) failed: %w", pid, err)
		}
	}
	switch {
	case status.Exited():
		return status.ExitStatus(), nil
	case status.Signaled():
		return 128 + int(status.Signal()), nil
	}
	return 0, fmt.Errorf("unexpected wait status %#x of pid %v", uint32(status), pid)
}

// setupNamespace gives the child a private /proc that shows only the new PID namespace.
func setupNamespace() error {
	if err := unix.Mount("none", "/proc", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("failed to make /proc private: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("failed to mount /proc: %w", err)
	}
	// Already a session leader if started with Setsid.
	if _, err := unix.Setsid(); err != nil && !errors.Is(err, unix.EPERM) {
		return fmt.Errorf("setsid failed: %w", err)
	}
	return nil
}
