// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// fitm-similarity prints how similar outputs are in the eyes of the stage
// dedup. With a single directory argument it prints which files of the
// directory would be kept.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/similarity"
	"github.com/fgsect/fitm/pkg/tool"
)

var flagThreshold = flag.Float64("threshold", 0.98, "similarity above which outputs are redundant")

func main() {
	defer tool.Init()()
	switch flag.NArg() {
	case 1:
		dedup(flag.Arg(0))
	case 2:
		a, b := readFile(flag.Arg(0)), readFile(flag.Arg(1))
		fmt.Printf("%.4f\n", similarity.Output(a, b))
	default:
		tool.Failf("usage: fitm-similarity [-threshold 0.98] file1 file2 | dir")
	}
}

func dedup(dir string) {
	files, err := osutil.ListFiles(dir)
	if err != nil {
		tool.Fail(err)
	}
	var pool [][]byte
	for _, file := range files {
		data := readFile(file)
		if similarity.Redundant(pool, data, *flagThreshold) {
			fmt.Printf("redundant %v\n", filepath.Base(file))
			continue
		}
		pool = append(pool, data)
		fmt.Printf("keep      %v\n", filepath.Base(file))
	}
}

func readFile(file string) []byte {
	data, err := os.ReadFile(file)
	if err != nil {
		tool.Fail(err)
	}
	return data
}
