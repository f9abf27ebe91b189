// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stage

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/snapshot"
)

// InputsFor returns the messages available to generation gen: the outputs of
// the other side one and three generations back. One side's output is the
// other side's input. With future set the outputs of gen+1 and the externally
// supplied inputs of gen are included too.
func InputsFor(layout snapshot.Layout, gen int, future bool) ([]string, error) {
	var gens []int
	switch {
	case future:
		gens = []int{gen + 1, back(gen, 1, gen+1), back(gen, 3, gen+1)}
	case gen == 0:
		return nil, nil
	default:
		gens = []int{gen - 1, back(gen, 3, gen-1)}
	}
	dirs, err := statesOf(layout, gens)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, dir := range dirs {
		files, err := osutil.ListFiles(filepath.Join(dir, snapshot.OutputsDir))
		if err != nil {
			return nil, err
		}
		res = append(res, files...)
	}
	if future {
		files, err := osutil.ListFiles(layout.GenerationInputs(gen))
		if err != nil {
			return nil, err
		}
		res = append(res, files...)
	}
	return res, nil
}

// TracesFor returns coverage traces of the inputs that produced the snapshots
// of generations gen, gen-2, gen-4 and gen-6.
func TracesFor(layout snapshot.Layout, gen int) ([]string, error) {
	dirs, err := statesOf(layout, []int{gen, back(gen, 2, gen), back(gen, 4, gen), back(gen, 6, gen)})
	if err != nil {
		return nil, err
	}
	var res []string
	for _, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(dir, snapshot.TraceFile))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, string(data))
	}
	return res, nil
}

func back(gen, n, fallback int) int {
	if gen >= n {
		return gen - n
	}
	return fallback
}

// statesOf returns the saved state directories of the given generations
// ordered by generation and state id.
func statesOf(layout snapshot.Layout, gens []int) ([]string, error) {
	entries, err := os.ReadDir(layout.SavedStates())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	want := make(map[int]bool)
	for _, gen := range gens {
		want[gen] = true
	}
	type state struct {
		gen, id int
		dir     string
	}
	var states []state
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gen, id, err := snapshot.ParseStatePath(entry.Name())
		if err != nil || !want[gen] {
			continue
		}
		states = append(states, state{gen, id, filepath.Join(layout.SavedStates(), entry.Name())})
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].gen != states[j].gen {
			return states[i].gen < states[j].gen
		}
		return states[i].id < states[j].id
	})
	var res []string
	for _, st := range states {
		res = append(res, st.dir)
	}
	return res, nil
}
