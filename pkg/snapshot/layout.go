// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"path/filepath"
	"strconv"
)

// Entries of a state directory (both active-state and saved-states/<p>).
const (
	InDir        = "in"
	OutDir       = "out"
	MapsDir      = "out/maps"
	OutputsDir   = "outputs"
	FdDir        = "fd"
	ImageDir     = "snapshot"
	NextImageDir = "next_snapshot"
	Pipes        = "pipes"
	Stdout       = "stdout"
	Stderr       = "stderr"
	ToolStdout   = "stdout-afl"
	ToolStderr   = "stderr-afl"
	RunInfo      = "run-info"
	PrevInput    = "prev_input"
	// PrevInputPath holds the original location of PrevInput.
	PrevInputPath = "prev_input_path"
	// TraceFile is the coverage trace of the input that produced the snapshot.
	TraceFile  = "snapshot_map"
	OutPostrun = "out_postrun"
	NopInput   = "nop_input"
)

// Layout resolves the on-disk layout below the work directory.
type Layout struct {
	Base string
}

// Active is the working area.
func (l Layout) Active() string {
	return filepath.Join(l.Base, "active-state")
}

func (l Layout) SavedStates() string {
	return filepath.Join(l.Base, "saved-states")
}

func (l Layout) Saved(statePath string) string {
	return filepath.Join(l.SavedStates(), statePath)
}

// StateFile stores the generation graph.
func (l Layout) StateFile() string {
	return filepath.Join(l.Base, "fitm-state.json")
}

// GenerationInputs holds externally supplied inputs for generation gen.
func (l Layout) GenerationInputs(gen int) string {
	return filepath.Join(l.Base, "generation_inputs", strconv.Itoa(gen))
}

// CminTmp is the scratch corpus assembled before minimization.
func (l Layout) CminTmp() string {
	return filepath.Join(l.Base, "cmin-tmp")
}
