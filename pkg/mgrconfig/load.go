// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/fgsect/fitm/pkg/config"
	"github.com/fgsect/fitm/pkg/osutil"
)

func LoadData(data []byte) (*Config, error) {
	cfg, err := LoadPartialData(data)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg, err := LoadPartialFile(filename)
	if err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		RunTime:             60,
		ExecTimeout:         3000,
		Criu:                "criu",
		Crit:                "crit",
		CriuSocket:          "/tmp/criu_service.socket",
		AFLFuzz:             "afl-fuzz",
		AFLCmin:             "afl-cmin",
		QemuTrace:           "afl-qemu-trace",
		RestartThreshold:    0.98,
		SkipThreshold:       0.93,
		SimilarityThreshold: 0.98,
		SampleSize:          5,
	}
}

func Complete(cfg *Config) error {
	if cfg.Workdir == "" {
		return fmt.Errorf("config param workdir is empty")
	}
	cfg.Workdir = osutil.Abs(cfg.Workdir)
	if err := completeTarget("client", &cfg.Client); err != nil {
		return err
	}
	if err := completeTarget("server", &cfg.Server); err != nil {
		return err
	}
	if cfg.RunTime <= 0 {
		return fmt.Errorf("bad config param run_time: %v, want > 0", cfg.RunTime)
	}
	if cfg.ExecTimeout <= 0 {
		return fmt.Errorf("bad config param exec_timeout: %v, want > 0", cfg.ExecTimeout)
	}
	if cfg.SampleSize < 1 {
		return fmt.Errorf("bad config param sample_size: %v, want >= 1", cfg.SampleSize)
	}
	for _, p := range []struct {
		name string
		val  float64
	}{
		{"restart_threshold", cfg.RestartThreshold},
		{"skip_threshold", cfg.SkipThreshold},
		{"similarity_threshold", cfg.SimilarityThreshold},
	} {
		if p.val < 0 || p.val > 1 {
			return fmt.Errorf("bad config param %v: %v, want [0, 1]", p.name, p.val)
		}
	}
	for _, bin := range []*string{&cfg.Criu, &cfg.Crit, &cfg.AFLFuzz, &cfg.AFLCmin, &cfg.QemuTrace} {
		if *bin == "" {
			return fmt.Errorf("external tool path is empty")
		}
		*bin = resolveBin(*bin)
	}
	if cfg.CriuSocket == "" {
		return fmt.Errorf("config param criu_socket is empty")
	}
	return nil
}

func completeTarget(name string, target *Target) error {
	if target.Bin == "" {
		return fmt.Errorf("config param %v.bin is empty", name)
	}
	target.Bin = osutil.Abs(target.Bin)
	if !osutil.IsExist(target.Bin) {
		return fmt.Errorf("bad config param %v.bin: can't find %v", name, target.Bin)
	}
	for i, file := range target.Files {
		target.Files[i] = osutil.Abs(file)
		if !osutil.IsExist(target.Files[i]) {
			return fmt.Errorf("bad config param %v.files: can't find %v", name, file)
		}
	}
	return nil
}

// resolveBin makes paths to external tools absolute.
// Bare names are looked up in $PATH and left as is if not found,
// the run fails later with a more descriptive error.
func resolveBin(bin string) string {
	if filepath.Base(bin) != bin {
		return osutil.Abs(bin)
	}
	if path, err := exec.LookPath(bin); err == nil {
		return path
	}
	return bin
}
