// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package criu wraps the checkpoint/restore tools: the criu service that
// the instrumented target talks to when it checkpoints itself, the crit
// image decoder, and the generated restore script.
package criu

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/osutil"
)

const (
	// DefaultSocket is the address the target shim connects to.
	DefaultSocket = "/tmp/criu_service.socket"

	StdoutLog = "criu_stdout"
	StderrLog = "criu_stderr"
)

// Service is a running criu service process.
type Service struct {
	cmd    *exec.Cmd
	socket string
	logs   []*os.File
	exited chan error
}

// StartService starts "criu service" listening on socket and waits until
// the socket appears. Service logs are written to logDir.
func StartService(bin, socket, logDir string) (*Service, error) {
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale criu socket: %w", err)
	}
	stdout, err := os.Create(filepath.Join(logDir, StdoutLog))
	if err != nil {
		return nil, err
	}
	stderr, err := os.Create(filepath.Join(logDir, StderrLog))
	if err != nil {
		stdout.Close()
		return nil, err
	}
	svc := &Service{
		cmd:    osutil.Command(bin, "service", "-v4", "--address", socket, "--display-stats"),
		socket: socket,
		logs:   []*os.File{stdout, stderr},
		exited: make(chan error, 1),
	}
	svc.cmd.Stdout = stdout
	svc.cmd.Stderr = stderr
	if err := svc.cmd.Start(); err != nil {
		svc.closeLogs()
		return nil, fmt.Errorf("failed to start criu service: %w", err)
	}
	go func() { svc.exited <- svc.cmd.Wait() }()
	for start := time.Now(); !osutil.IsExist(socket); {
		select {
		case err := <-svc.exited:
			svc.closeLogs()
			return nil, fmt.Errorf("criu service exited before creating %v: %v", socket, err)
		case <-time.After(10 * time.Millisecond):
		}
		if time.Since(start) > serviceStartTimeout {
			svc.Stop()
			return nil, fmt.Errorf("criu service did not create %v in %v", socket, serviceStartTimeout)
		}
	}
	log.Logf(2, "criu service started on %v", socket)
	return svc, nil
}

var serviceStartTimeout = 10 * time.Second

// Stop terminates the service. It is a no-op if the service already exited.
func (svc *Service) Stop() {
	osutil.Kill(svc.cmd)
	<-svc.exited
	svc.exited <- nil
	svc.closeLogs()
	os.Remove(svc.socket)
}

func (svc *Service) closeLogs() {
	for _, f := range svc.logs {
		f.Close()
	}
	svc.logs = nil
}
