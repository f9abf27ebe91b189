// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// fitm fuzzes a client and a server against each other by snapshotting both
// at every receive and exploring the resulting graph of protocol states.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/fgsect/fitm/pkg/criu"
	"github.com/fgsect/fitm/pkg/log"
	"github.com/fgsect/fitm/pkg/manager"
	"github.com/fgsect/fitm/pkg/mgrconfig"
	"github.com/fgsect/fitm/pkg/nsexec"
	"github.com/fgsect/fitm/pkg/osutil"
	"github.com/fgsect/fitm/pkg/snapshot"
	"github.com/fgsect/fitm/pkg/tool"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfig = flag.String("config", "", "configuration file")
	flagDebug  = flag.Bool("debug", false, "dump all tool output to console")
	flagStats  = flag.Duration("stats", time.Minute, "period of console stat reports")
)

func main() {
	// Isolated children re-execute this binary.
	if nsexec.Init() {
		return
	}
	defer tool.Init()()
	if *flagDebug {
		log.SetVerbosity(2)
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("fitm needs root to create namespaces and checkpoints")
	}
	cfg, err := mgrconfig.LoadFile(*flagConfig)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.EnableLogCaching(1000, 1<<20)
	if err := osutil.MkdirAll(cfg.Workdir); err != nil {
		return err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Logf(0, "random seed %v", seed)
	tools := &snapshot.Host{Crit: criu.Crit{Bin: cfg.Crit}}
	mgr := manager.New(cfg, tools, rand.New(rand.NewSource(seed)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	go func() {
		<-shutdown
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The HTTP server and the heartbeat stop with the exploration.
		defer cancel()
		return mgr.Run(ctx)
	})
	g.Go(func() error {
		manager.Heartbeat(ctx, *flagStats)
		return nil
	})
	if cfg.HTTP != "" {
		serv := &manager.HTTPServer{
			Addr:      cfg.HTTP,
			StartTime: time.Now(),
			Manager:   mgr,
		}
		g.Go(func() error {
			return serv.Serve(ctx)
		})
	}
	return g.Wait()
}
