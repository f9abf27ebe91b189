// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package pidctl makes the next process spawned in the current PID namespace
// receive a chosen PID. Checkpoint images record PIDs, so a restored process
// tree must find the same PIDs free in a fresh namespace.
package pidctl

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// LastPIDFile is the kernel counter of the last allocated PID in the current namespace.
var LastPIDFile = "/proc/sys/kernel/ns_last_pid"

const (
	basePID   = 1 << 14
	pidSpread = 9001
)

// Advance sets the PID counter so that the next spawned process gets target.
// It assumes that nobody else spawns processes in the namespace concurrently,
// the resulting PID is not verified.
func Advance(target int) error {
	if target < 2 {
		return fmt.Errorf("bad target pid %v", target)
	}
	f, err := os.OpenFile(LastPIDFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %v: %w", LastPIDFile, err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %v: %w", LastPIDFile, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if _, err := f.WriteString(strconv.Itoa(target - 1)); err != nil {
		return fmt.Errorf("failed to write %v (higher than pid_max?): %w", LastPIDFile, err)
	}
	return nil
}

// Pick chooses a PID for a new snapshot process. PIDs are spread over a
// small range so that several fuzzing instances on one host rarely collide.
func Pick(rnd *rand.Rand) int {
	return basePID + rnd.Intn(pidSpread)
}
