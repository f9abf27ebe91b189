// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package criu

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
)

// WorkerExit is a "Worker(pid N) exited with C" record of the service log.
type WorkerExit struct {
	Time float64
	Pid  int
	Code int
}

var workerExitRe = regexp.MustCompile(`^\(\s*([0-9.]+)\)\s+Worker\(pid\s+([0-9]+)\)\s+exited with\s+(-?[0-9]+)`)

// WorkerExits parses exits of service workers from the service log.
// Every checkpoint request is served by a separate worker, so a failed
// worker explains a missing checkpoint image.
func WorkerExits(data []byte) []WorkerExit {
	var res []WorkerExit
	s := bufio.NewScanner(bytes.NewReader(data))
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		m := workerExitRe.FindSubmatch(s.Bytes())
		if m == nil {
			continue
		}
		ts, err1 := strconv.ParseFloat(string(m[1]), 64)
		pid, err2 := strconv.Atoi(string(m[2]))
		code, err3 := strconv.Atoi(string(m[3]))
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		res = append(res, WorkerExit{Time: ts, Pid: pid, Code: code})
	}
	return res
}

// LatestSuccess returns the timestamp of the latest successful worker and
// all failed workers.
func LatestSuccess(exits []WorkerExit) (float64, []WorkerExit) {
	latest := 0.0
	var failed []WorkerExit
	for _, e := range exits {
		if e.Code != 0 {
			failed = append(failed, e)
			continue
		}
		latest = max(latest, e.Time)
	}
	return latest, failed
}
