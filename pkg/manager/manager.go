// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package manager drives the exploration: it seeds or resumes the generation
// graph and then repeatedly picks a generation and runs a stage on it.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/mgrconfig"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/snapshot"
	"github.com/fgsect/fitm/pkg/stage"
	"github.com/fgsect/fitm/pkg/stat"
)

// ErrNoSeedOutputs means the server got nothing to consume from the client
// greeting, the client and the server are most likely not talking to each other.
var ErrNoSeedOutputs = errors.New("initial client run produced no outputs")

type Params struct {
	// A draw above RestartThreshold restarts the exploration from generation 1.
	RestartThreshold float64
	// A draw above SkipThreshold skips the picked generation after the first round.
	SkipThreshold float64
	// Client generations are fuzzed this long in server-only mode.
	ServerOnlyRunTime time.Duration
}

func DefaultParams() Params {
	return Params{
		RestartThreshold:  0.98,
		SkipThreshold:     0.93,
		ServerOnlyRunTime: 100 * time.Millisecond,
	}
}

type Manager struct {
	cfg      *mgrconfig.Config
	snaps    *snapshot.Manager
	pipeline *stage.Pipeline
	params   Params
	rnd      *rand.Rand

	mu    sync.Mutex
	graph *Graph
	gen   int
	round int
}

var (
	statSkipped  = stat.New("skipped", "Generations skipped by chance", stat.Prometheus("fitm_skipped"))
	statRestarts = stat.New("restarts", "Restarts from generation 1 by chance", stat.Prometheus("fitm_restarts"))
)

func New(cfg *mgrconfig.Config, tools snapshot.Tools, rnd *rand.Rand) *Manager {
	params := DefaultParams()
	params.RestartThreshold = cfg.RestartThreshold
	params.SkipThreshold = cfg.SkipThreshold
	snaps := snapshot.NewManager(cfg, tools, rnd)
	mgr := &Manager{
		cfg:   cfg,
		snaps: snaps,
		pipeline: &stage.Pipeline{
			Mgr: snaps,
			Params: stage.Params{
				SampleSize:          cfg.SampleSize,
				SimilarityThreshold: cfg.SimilarityThreshold,
			},
		},
		params: params,
		rnd:    rnd,
	}
	stat.New("generation", "Currently processed generation", stat.Console,
		func() int { return mgr.Summary().Generation })
	stat.New("round", "Exploration round", stat.Console, stat.Prometheus("fitm_round"),
		func() int { return mgr.Summary().Round })
	stat.New("graph size", "Snapshots in the generation graph", stat.Console, stat.Prometheus("fitm_graph_size"),
		func() int { return mgr.Summary().Snapshots })
	return mgr
}

// Run seeds or resumes the graph and explores until ctx is cancelled.
// The graph is persisted after every stage.
func (mgr *Manager) Run(ctx context.Context) error {
	if err := mgr.prepare(); err != nil {
		return err
	}
	graph, err := LoadGraph(mgr.snaps.StateFile(), mgr.cfg.Client.Bin, mgr.cfg.Server.Bin)
	if err != nil {
		return err
	}
	if graph != nil {
		log.Logf(0, "resuming run %v with %v generations", graph.RunID, len(graph.Buckets)-1)
	} else {
		if graph, err = mgr.seed(); err != nil {
			return err
		}
		if err := graph.Save(mgr.snaps.StateFile()); err != nil {
			return err
		}
	}
	mgr.mu.Lock()
	mgr.graph = graph
	mgr.mu.Unlock()
	for ctx.Err() == nil {
		if err := mgr.step(); err != nil {
			return err
		}
	}
	log.Logf(0, "stopping exploration")
	return nil
}

func (mgr *Manager) prepare() error {
	for _, dir := range []string{mgr.snaps.Active(), mgr.snaps.CminTmp()} {
		if err := osutil.RemoveAll(dir); err != nil {
			return err
		}
	}
	for gen := 0; gen <= 1; gen++ {
		if err := osutil.MkdirAll(mgr.snaps.GenerationInputs(gen)); err != nil {
			return err
		}
	}
	return nil
}

// seed snapshots the server and the client at their first receive.
func (mgr *Manager) seed() (*Graph, error) {
	log.Logf(0, "taking initial snapshots")
	timeout := mgr.cfg.ExecTimeoutDuration()
	client := snapshot.New(2, 0, mgr.cfg.Client, timeout, "")
	if err := mgr.snaps.InitRun(client, false, true); err != nil {
		return nil, err
	}
	// The greeting of the client is the first input of the server.
	greeting := snapshot.New(0, 0, mgr.cfg.Client, timeout, "")
	if err := mgr.snaps.InitRun(greeting, true, false); err != nil {
		return nil, err
	}
	server := snapshot.New(1, 0, mgr.cfg.Server, timeout, "")
	if err := mgr.snaps.InitRun(server, false, true); err != nil {
		return nil, err
	}
	inputs, err := stage.InputsFor(mgr.snaps.Layout, 1, true)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, ErrNoSeedOutputs
	}
	return NewGraph(server, client), nil
}

// draw returns a random value in [0, 1) with 1/1000 granularity.
func (mgr *Manager) draw() float64 {
	return float64(mgr.rnd.Intn(1000)) / 1000
}

// step picks the next generation and runs a stage on it.
func (mgr *Manager) step() error {
	mgr.mu.Lock()
	mgr.gen++
	if len(mgr.graph.Bucket(mgr.gen)) == 0 {
		log.Logf(0, "no snapshots for generation %v, restarting with generation 1", mgr.gen)
		mgr.gen = 1
	}
	if mgr.gen != 1 && mgr.draw() > mgr.params.RestartThreshold {
		log.Logf(0, "restarting with generation 1 by chance")
		statRestarts.Add(1)
		mgr.gen = 1
	}
	if mgr.gen == 1 {
		mgr.round++
	}
	gen, round := mgr.gen, mgr.round
	if gen != 1 && round != 1 && mgr.draw() > mgr.params.SkipThreshold {
		mgr.mu.Unlock()
		log.Logf(0, "skipping generation %v by chance", gen)
		statSkipped.Add(1)
		return nil
	}
	mgr.graph.Ensure(gen + 2)
	snaps := append([]*snapshot.Snapshot(nil), mgr.graph.Bucket(gen)...)
	nextIDStart := len(mgr.graph.Bucket(gen + 2))
	mgr.mu.Unlock()

	duration := mgr.cfg.RunDuration()
	if mgr.cfg.ServerOnly && snapshot.RoleFor(gen) == snapshot.Client {
		log.Logf(0, "fuzzing client generation %v for %v only", gen, mgr.params.ServerOnlyRunTime)
		duration = mgr.params.ServerOnlyRunTime
	}
	log.Logf(0, "round %v: fuzzing generation %v (%v snapshots)", round, gen, len(snaps))
	inputs, err := stage.InputsFor(mgr.snaps.Layout, gen, true)
	if err != nil {
		return err
	}
	minted, err := mgr.pipeline.Process(mgr.rnd, snaps, inputs, nextIDStart, duration)
	if err != nil {
		return err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.graph.Add(gen+2, minted)
	log.Logf(0, "generation %v: %v new snapshots, %v total", gen, len(minted), mgr.graph.Size())
	return mgr.graph.Save(mgr.snaps.StateFile())
}

// Graph returns the JSON encoding of the current graph, nil before it is ready.
func (mgr *Manager) Graph() ([]byte, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.graph == nil {
		return nil, nil
	}
	return json.MarshalIndent(mgr.graph, "", "\t")
}

// Lineage returns the chain of snapshots statePath was derived from.
func (mgr *Manager) Lineage(statePath string) []*snapshot.Snapshot {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.graph == nil {
		return nil
	}
	return mgr.graph.Lineage(statePath)
}

type Summary struct {
	RunID      string
	Generation int
	Round      int
	Snapshots  int
	// Number of snapshots per generation.
	Buckets []int
}

func (mgr *Manager) Summary() Summary {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	res := Summary{
		Generation: mgr.gen,
		Round:      mgr.round,
	}
	if mgr.graph == nil {
		return res
	}
	res.RunID = mgr.graph.RunID.String()
	res.Snapshots = mgr.graph.Size()
	for _, bucket := range mgr.graph.Buckets {
		res.Buckets = append(res.Buckets, len(bucket))
	}
	return res
}

// Heartbeat periodically prints console metrics until ctx is cancelled.
func Heartbeat(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var line string
			for _, st := range stat.Collect(stat.Console) {
				line += fmt.Sprintf(" %v=%v", st.Name, st.Value)
			}
			log.Logf(0, "STAT%v", line)
		}
	}
}
