// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux

package nsexec

import (
	"fmt"
	"runtime"
)

func Execute(name string, arg []byte) (*Handle, error) {
	return nil, fmt.Errorf("nsexec is not supported on %v", runtime.GOOS)
}

func setupNamespace() error {
	return fmt.Errorf("nsexec is not supported on %v", runtime.GOOS)
}

func WaitPID(pid int) (int, error) {
	return 0, fmt.Errorf("nsexec is not supported on %v", runtime.GOOS)
}
