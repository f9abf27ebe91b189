// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/snapshot"
	"github.com/google/uuid"
)

// Graph holds all snapshots of a run bucketed by generation.
// Bucket 0 is always empty: the client at generation 0 does not take input.
type Graph struct {
	RunID   uuid.UUID              `json:"run_id"`
	Buckets [][]*snapshot.Snapshot `json:"generations"`
}

func NewGraph(server, client *snapshot.Snapshot) *Graph {
	return &Graph{
		RunID:   uuid.New(),
		Buckets: [][]*snapshot.Snapshot{nil, {server}, {client}},
	}
}

// Bucket returns snapshots of generation gen, nil if there are none yet.
func (g *Graph) Bucket(gen int) []*snapshot.Snapshot {
	if gen < 0 || gen >= len(g.Buckets) {
		return nil
	}
	return g.Buckets[gen]
}

// Ensure makes sure buckets up to gen exist.
func (g *Graph) Ensure(gen int) {
	for len(g.Buckets) <= gen {
		g.Buckets = append(g.Buckets, nil)
	}
}

func (g *Graph) Add(gen int, snaps []*snapshot.Snapshot) {
	g.Ensure(gen)
	g.Buckets[gen] = append(g.Buckets[gen], snaps...)
}

// Size returns the total number of snapshots.
func (g *Graph) Size() int {
	n := 0
	for _, bucket := range g.Buckets {
		n += len(bucket)
	}
	return n
}

// Check verifies that the graph was created for the given pair of binaries.
func (g *Graph) Check(clientBin, serverBin string) error {
	if len(g.Buckets) <= 2 || len(g.Buckets[1]) == 0 || len(g.Buckets[2]) == 0 {
		return fmt.Errorf("graph has no seed snapshots")
	}
	if bin := g.Buckets[1][0].Bin; bin != serverBin {
		return fmt.Errorf("graph was created for server %v, not %v", bin, serverBin)
	}
	if bin := g.Buckets[2][0].Bin; bin != clientBin {
		return fmt.Errorf("graph was created for client %v, not %v", bin, clientBin)
	}
	return nil
}

// Save writes the whole graph, the previous file is replaced atomically.
func (g *Graph) Save(file string) error {
	data, err := json.MarshalIndent(g, "", "\t")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(file, data)
}

// ReadGraph reads a graph saved by Save.
func ReadGraph(file string) (*Graph, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	g := new(Graph)
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("failed to parse %v: %w", file, err)
	}
	return g, nil
}

// LoadGraph reads the graph to resume from. It returns nil if there is
// nothing to resume from and an error if the graph belongs to other binaries.
func LoadGraph(file, clientBin, serverBin string) (*Graph, error) {
	g, err := ReadGraph(file)
	if errors.Is(err, os.ErrNotExist) {
		log.Logf(0, "%v does not exist, starting from scratch", file)
		return nil, nil
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		log.Logf(0, "%v, starting from scratch", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := g.Check(clientBin, serverBin); err != nil {
		return nil, fmt.Errorf("%v: %w, remove or fix it manually", file, err)
	}
	return g, nil
}

// Lineage returns the chain of snapshots s was derived from, starting with s.
func (g *Graph) Lineage(statePath string) []*snapshot.Snapshot {
	byPath := make(map[string]*snapshot.Snapshot)
	for _, bucket := range g.Buckets {
		for _, s := range bucket {
			byPath[s.StatePath] = s
		}
	}
	var res []*snapshot.Snapshot
	for s := byPath[statePath]; s != nil; s = byPath[s.BaseState] {
		res = append(res, s)
	}
	return res
}
