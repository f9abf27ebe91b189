// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// fitm-state prints the generation graph of a run.
//
// Usage:
//
//	fitm-state -workdir workdir
//	fitm-state -workdir workdir -lineage fitm-gen5-state3
//	fitm-state -workdir workdir -info fitm-gen5-state3
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgsect/fitm/pkg/manager"
	"github.com/fgsect/fitm/pkg/snapshot"
	"github.com/fgsect/fitm/pkg/tool"
	"gopkg.in/yaml.v3"
)

var (
	flagWorkdir = flag.String("workdir", ".", "fitm workdir")
	flagLineage = flag.String("lineage", "", "print the chain of snapshots the given state was derived from")
	flagInfo    = flag.String("info", "", "print the run info stored with the given state")
	flagInputs  = flag.Bool("inputs", false, "print messages that led to the -lineage state")
)

func main() {
	defer tool.Init()()
	layout := snapshot.Layout{Base: *flagWorkdir}
	if *flagInfo != "" {
		s, err := snapshot.ReadRunInfo(layout.Saved(*flagInfo))
		if err != nil {
			tool.Fail(err)
		}
		data, err := yaml.Marshal(s)
		if err != nil {
			tool.Fail(err)
		}
		os.Stdout.Write(data)
		return
	}
	graph, err := manager.ReadGraph(layout.StateFile())
	if err != nil {
		tool.Fail(err)
	}
	if *flagLineage != "" {
		lineage := graph.Lineage(*flagLineage)
		if len(lineage) == 0 {
			tool.Failf("no state %v in the graph", *flagLineage)
		}
		for i := len(lineage) - 1; i >= 0; i-- {
			s := lineage[i]
			fmt.Printf("%v\t%v\tpid=%v\n", s.StatePath, s.Role, s.PID)
			if *flagInputs {
				printInput(layout, s)
			}
		}
		return
	}
	fmt.Printf("run %v\n", graph.RunID)
	for gen, bucket := range graph.Buckets {
		var paths []string
		for _, s := range bucket {
			paths = append(paths, fmt.Sprint(s.StateID))
		}
		fmt.Printf("gen %3v %v: %v snapshots [%v]\n", gen, snapshot.RoleFor(gen), len(bucket),
			strings.Join(paths, " "))
	}
}

func printInput(layout snapshot.Layout, s *snapshot.Snapshot) {
	if s.Initial {
		return
	}
	data, err := os.ReadFile(filepath.Join(layout.Saved(s.StatePath), snapshot.PrevInput))
	if err != nil {
		fmt.Printf("\t<%v>\n", err)
		return
	}
	fmt.Printf("\t%q\n", data)
}
