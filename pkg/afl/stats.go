// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package afl

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Stats is the content of a fuzzer_stats file.
type Stats map[string]string

// summaryKeys are the stats worth printing after every fuzzing run.
var summaryKeys = []string{
	"execs_done",
	"execs_per_sec",
	"paths_total",
	"max_depth",
	"stability",
	"unique_crashes",
	"unique_hangs",
	"cycles_done",
}

// StatsFile returns the stats file of the main fuzzer node.
func StatsFile(out string) string {
	return filepath.Join(out, "main", "fuzzer_stats")
}

func ReadStats(file string) (Stats, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseStats(data), nil
}

// ParseStats parses "key : value" lines.
func ParseStats(data []byte) Stats {
	stats := make(Stats)
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		key, val, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		stats[key] = strings.TrimSpace(val)
	}
	return stats
}

// Int returns a numeric stat, 0 if it is missing or not a number.
func (st Stats) Int(key string) int {
	v, err := strconv.ParseFloat(strings.TrimSuffix(st[key], "%"), 64)
	if err != nil {
		return 0
	}
	return int(v)
}

// Summary returns the interesting stats in a fixed order.
func (st Stats) Summary() []string {
	var res []string
	for _, key := range summaryKeys {
		if val, ok := st[key]; ok {
			res = append(res, fmt.Sprintf("%v: %v", key, val))
		}
	}
	return res
}
