// Copyright 2020 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tool contains various helper utilitites useful for implementation of command line tools.
package tool

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
)

// Init parses command line flags and sets up optional profiling.
// The returned function must be called before the tool exits.
func Init() func() {
	cpuprof := flag.String("cpuprofile", "", "write CPU profile to this file")
	memprof := flag.String("memprofile", "", "write memory profile to this file on exit")
	flag.Parse()
	stop, err := startProfiling(*cpuprof, *memprof)
	if err != nil {
		Fail(err)
	}
	return func() {
		if err := stop(); err != nil {
			Fail(err)
		}
	}
}

// startProfiling starts a CPU profile and returns the function that stops it
// and writes the heap profile.
func startProfiling(cpuprof, memprof string) (func() error, error) {
	var cpu *os.File
	if cpuprof != "" {
		f, err := os.Create(cpuprof)
		if err != nil {
			return nil, fmt.Errorf("failed to create cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to start cpu profile: %w", err)
		}
		cpu = f
	}
	return func() error {
		var errs []error
		if cpu != nil {
			pprof.StopCPUProfile()
			errs = append(errs, cpu.Close())
		}
		if memprof != "" {
			errs = append(errs, writeHeapProfile(memprof))
		}
		return errors.Join(errs...)
	}, nil
}

func writeHeapProfile(file string) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create memory profile: %w", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write memory profile: %w", err)
	}
	return nil
}

func Failf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}

func Fail(err error) {
	Failf("%v", err)
}
