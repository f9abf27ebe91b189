// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stage implements one exploration step over a generation:
// minimize the inputs of the sampled snapshots, fuzz them, minimize what was
// found, drop inputs with already known outputs or coverage and take a new
// snapshot for every remaining input.
package stage

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fgsect/fitm/pkg/afl"
	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/similarity"
	"github.com/fgsect/fitm/pkg/snapshot"
	"github.com/fgsect/fitm/pkg/stat"
)

var (
	statStages = stat.New("stages", "Number of processed stages",
		stat.Console, stat.Prometheus("fitm_stages"))
	statMinted = stat.New("minted", "Snapshots added to the graph",
		stat.Console, stat.Prometheus("fitm_minted_snapshots"))
	statRedundantOutputs = stat.New("redundant outputs", "Inputs skipped because all their outputs are known",
		stat.Prometheus("fitm_redundant_outputs"))
	statDuplicateTraces = stat.New("duplicate traces", "Inputs skipped because their coverage is known",
		stat.Prometheus("fitm_duplicate_traces"))
	statStageTime = stat.New("stage time", "Stage duration (sec)", stat.Distribution{})
)

type Params struct {
	// Number of snapshots processed per stage.
	SampleSize int
	// Outputs more similar than this to a known output are redundant.
	SimilarityThreshold float64
}

func DefaultParams() Params {
	return Params{
		SampleSize:          5,
		SimilarityThreshold: 0.98,
	}
}

type Pipeline struct {
	Mgr    *snapshot.Manager
	Params Params
}

// Process runs the stage for a sample of snaps (all of the same generation).
// inputs are messages to seed the corpora with. New snapshots get consecutive
// ids starting at nextIDStart.
func (p *Pipeline) Process(rnd *rand.Rand, snaps []*snapshot.Snapshot, inputs []string,
	nextIDStart int, duration time.Duration) ([]*snapshot.Snapshot, error) {
	start := time.Now()
	log.Logf(0, "processing stage with %v inputs", len(inputs))
	var res []*snapshot.Snapshot
	if len(snaps) == 0 {
		return nil, nil
	}
	// All snapshots of a stage belong to one generation and share one trace pool.
	traces, err := TracesFor(p.Mgr.Layout, snaps[0].Generation)
	if err != nil {
		return nil, err
	}
	for _, s := range Sample(rnd, snaps, p.Params.SampleSize) {
		log.Logf(0, "stage step %v", s)
		var minted []*snapshot.Snapshot
		minted, traces, err = p.processSnapshot(s, inputs, traces, nextIDStart+len(res), duration)
		if err != nil {
			return nil, fmt.Errorf("stage of %v failed: %w", s, err)
		}
		res = append(res, minted...)
	}
	statStages.Add(1)
	statMinted.Add(len(res))
	statStageTime.Add(int(time.Since(start).Seconds()))
	return res, nil
}

// Sample picks up to n snapshots at random, keeping their order.
func Sample(rnd *rand.Rand, snaps []*snapshot.Snapshot, n int) []*snapshot.Snapshot {
	if len(snaps) <= n {
		return append([]*snapshot.Snapshot(nil), snaps...)
	}
	idx := rnd.Perm(len(snaps))[:n]
	sort.Ints(idx)
	res := make([]*snapshot.Snapshot, 0, n)
	for _, i := range idx {
		res = append(res, snaps[i])
	}
	return res
}

// processSnapshot returns the minted snapshots and traces extended with their traces.
func (p *Pipeline) processSnapshot(s *snapshot.Snapshot, inputs, traces []string, nextID int,
	duration time.Duration) ([]*snapshot.Snapshot, []string, error) {
	mgr := p.Mgr
	tmp := mgr.CminTmp()
	if err := osutil.RecreateDir(tmp); err != nil {
		return nil, nil, err
	}
	for i, input := range inputs {
		if err := osutil.CopyFile(input, filepath.Join(tmp, fmt.Sprintf("imported%v", i))); err != nil {
			return nil, nil, err
		}
	}
	queue := mgr.SavedQueue(s)
	if osutil.IsExist(queue) {
		if err := mgr.CopyQueueTo(s, tmp, false); err != nil {
			return nil, nil, err
		}
	}
	saved := mgr.Saved(s.StatePath)
	if err := mgr.Cmin(s, tmp, filepath.Join(saved, snapshot.InDir), false); err != nil {
		return nil, nil, err
	}
	if err := mgr.FuzzRun(s, duration); err != nil {
		return nil, nil, err
	}
	if err := osutil.RecreateDir(tmp); err != nil {
		return nil, nil, err
	}
	if err := mgr.CopyQueueTo(s, tmp, true); err != nil {
		return nil, nil, err
	}
	// The minimized queue replaces the persisted one and keeps traces for snapshot creation.
	if err := mgr.Cmin(s, tmp, queue, true); err != nil {
		return nil, nil, err
	}
	outputs, err := mgr.CreateOutputs(s, queue, filepath.Join(saved, snapshot.OutputsDir))
	if err != nil {
		return nil, nil, err
	}
	known, err := InputsFor(mgr.Layout, s.Generation-1, false)
	if err != nil {
		return nil, nil, err
	}
	pool, err := readFiles(known)
	if err != nil {
		return nil, nil, err
	}
	entries, err := osutil.ListFiles(queue)
	if err != nil {
		return nil, nil, err
	}
	var minted []*snapshot.Snapshot
	for _, entry := range entries {
		outs, err := readFiles(outputs[entry])
		if err != nil {
			return nil, nil, err
		}
		var redundant bool
		if pool, redundant = dedupOutputs(pool, outs, p.Params.SimilarityThreshold); redundant {
			log.Logf(1, "skipping %v: outputs too similar", filepath.Base(entry))
			statRedundantOutputs.Add(1)
			continue
		}
		traceFile := afl.TraceFile(queue, entry)
		trace, err := os.ReadFile(traceFile)
		if err != nil {
			return nil, nil, fmt.Errorf("no trace for %v: %w", entry, err)
		}
		if similarity.TraceSeen(traces, string(trace)) {
			log.Logf(1, "skipping %v: duplicate trace", filepath.Base(entry))
			statDuplicateTraces.Add(1)
			continue
		}
		next, err := mgr.CreateNextSnapshot(s, nextID+len(minted), entry)
		if err != nil {
			return nil, nil, err
		}
		if next == nil {
			continue
		}
		if err := osutil.CopyFile(traceFile, filepath.Join(mgr.Saved(next.StatePath), snapshot.TraceFile)); err != nil {
			return nil, nil, err
		}
		traces = append(traces, string(trace))
		minted = append(minted, next)
	}
	if err := osutil.RemoveAll(afl.TracesDir(queue)); err != nil {
		return nil, nil, err
	}
	log.Logf(0, "%v: %v new snapshots from %v inputs", s, len(minted), len(entries))
	return minted, traces, nil
}

// dedupOutputs adds outputs that are not similar to anything in pool to it.
// An input is redundant if it produced outputs and all of them were known.
// Later outputs are compared against earlier ones, so the first one wins.
func dedupOutputs(pool, outputs [][]byte, threshold float64) ([][]byte, bool) {
	redundant := len(outputs) != 0
	for _, out := range outputs {
		if similarity.Redundant(pool, out, threshold) {
			continue
		}
		redundant = false
		pool = append(pool, out)
	}
	return pool, redundant
}

func readFiles(files []string) ([][]byte, error) {
	var res [][]byte
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		res = append(res, data)
	}
	return res, nil
}
