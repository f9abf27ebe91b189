// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package snapshot

import (
	"fmt"
	"sync"

	"github.com/fgsect/fitm/pkg/osutil"
)

// Workspace is the single working area. At most one snapshot is materialized
// in it at a time; every activate-then-restore sequence runs between
// Acquire and Release.
type Workspace struct {
	dir   string
	mu    sync.Mutex
	owner string
}

func NewWorkspace(dir string) *Workspace {
	return &Workspace{dir: dir}
}

func (w *Workspace) Dir() string {
	return w.dir
}

// Acquire clears the working area and hands it to owner.
// Acquiring a workspace that is already owned is a bug in the caller.
func (w *Workspace) Acquire(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.owner != "" {
		panic(fmt.Sprintf("workspace %v acquired by %v while owned by %v", w.dir, owner, w.owner))
	}
	if err := osutil.RecreateDir(w.dir); err != nil {
		return fmt.Errorf("failed to clear %v: %w", w.dir, err)
	}
	w.owner = owner
	return nil
}

// Release drops ownership. The contents of the working area are kept for
// post-mortem inspection until the next Acquire.
func (w *Workspace) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.owner = ""
}

// Owner returns the current owner or an empty string.
func (w *Workspace) Owner() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owner
}

func (w *Workspace) mustOwn(owner string) {
	if cur := w.Owner(); cur != owner {
		panic(fmt.Sprintf("workspace %v is owned by %q, not by %v", w.dir, cur, owner))
	}
}
