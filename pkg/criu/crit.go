// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package criu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fgsect/fitm/pkg/osutil"
)

// Crit decodes checkpoint images with the crit tool.
type Crit struct {
	Bin     string
	Timeout time.Duration
}

// InheritFD is a descriptor of the checkpointed process that refers to a
// file captured under the image's fd area. The restored process gets
// the file reconnected at the same descriptor number.
type InheritFD struct {
	FD   int    `json:"fd"`
	Path string `json:"path"`
}

type pstreeImage struct {
	Entries []struct {
		Pid int `json:"pid"`
	} `json:"entries"`
}

type filesImage struct {
	Entries []struct {
		ID  uint32 `json:"id"`
		Reg *struct {
			Name string `json:"name"`
		} `json:"reg"`
	} `json:"entries"`
}

type fdinfoImage struct {
	Entries []struct {
		ID uint32 `json:"id"`
		FD int    `json:"fd"`
	} `json:"entries"`
}

// ProcessID returns the pid of the root process of the checkpointed tree.
func (c *Crit) ProcessID(imagesDir string) (int, error) {
	var pstree pstreeImage
	if err := c.decode(filepath.Join(imagesDir, "pstree.img"), &pstree); err != nil {
		return 0, err
	}
	if len(pstree.Entries) == 0 || pstree.Entries[0].Pid <= 0 {
		return 0, fmt.Errorf("no process in %v/pstree.img", imagesDir)
	}
	return pstree.Entries[0].Pid, nil
}

// InheritedFiles returns descriptors of the checkpointed process that refer
// to files in an fd/ directory, sorted by descriptor number.
func (c *Crit) InheritedFiles(imagesDir string) ([]InheritFD, error) {
	var files filesImage
	if err := c.decode(filepath.Join(imagesDir, "files.img"), &files); err != nil {
		return nil, err
	}
	var fdinfo fdinfoImage
	if err := c.decode(filepath.Join(imagesDir, "fdinfo-2.img"), &fdinfo); err != nil {
		return nil, err
	}
	return matchInheritedFiles(&files, &fdinfo)
}

func matchInheritedFiles(files *filesImage, fdinfo *fdinfoImage) ([]InheritFD, error) {
	fds := make(map[uint32]int)
	for _, e := range fdinfo.Entries {
		fds[e.ID] = e.FD
	}
	var res []InheritFD
	for _, e := range files.Entries {
		if e.Reg == nil || !strings.Contains(e.Reg.Name, "/fd/") {
			continue
		}
		fd, ok := fds[e.ID]
		if !ok {
			return nil, fmt.Errorf("file %v (id %v) is not open in the checkpointed process", e.Reg.Name, e.ID)
		}
		res = append(res, InheritFD{FD: fd, Path: e.Reg.Name})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].FD < res[j].FD })
	return res, nil
}

func (c *Crit) decode(image string, res any) error {
	cmd := osutil.Command(c.Bin, "decode", "-i", image)
	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr
	timeout := c.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	out, err := osutil.Run(timeout, cmd)
	if err != nil {
		return osutil.PrependContext(fmt.Sprintf("crit decode %v", image), err)
	}
	if err := json.Unmarshal(out, res); err != nil {
		return fmt.Errorf("failed to parse crit output for %v: %w\n%s", image, err, stderr.Bytes())
	}
	return nil
}
