// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
	DefaultExecPerm = 0755
)

// Run runs cmd with the specified timeout.
// Returns combined output. If the command fails, err includes output.
func Run(timeout time.Duration, cmd *exec.Cmd) ([]byte, error) {
	output := new(bytes.Buffer)
	if cmd.Stdout == nil {
		cmd.Stdout = output
	}
	if cmd.Stderr == nil {
		cmd.Stderr = output
	}
	setPdeathsig(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v %+v: %w", cmd.Path, cmd.Args, err)
	}
	done := make(chan bool)
	timedout := make(chan bool, 1)
	timer := time.NewTimer(timeout)
	go func() {
		select {
		case <-timer.C:
			timedout <- true
			killPgroup(cmd)
			cmd.Process.Kill()
		case <-done:
			timedout <- false
			timer.Stop()
		}
	}()
	err := cmd.Wait()
	close(done)
	if err != nil {
		text := fmt.Sprintf("failed to run %q: %v", cmd.Args, err)
		if <-timedout {
			text = fmt.Sprintf("timedout %q", cmd.Args)
		}
		return output.Bytes(), &VerboseError{
			Title:    text,
			Output:   output.Bytes(),
			ExitCode: ExitCode(err),
		}
	}
	return output.Bytes(), nil
}

// ExitCode extracts the process exit code from an error returned by exec.Cmd.Wait.
// Processes killed by a signal are reported as 128+signal, the way shells do.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
	return exitErr.ExitCode()
}

// Kill kills the process started from cmd along with its process group.
func Kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	killPgroup(cmd)
	cmd.Process.Kill()
}

// Command is similar to os/exec.Command, but also sets PDEATHSIG on linux.
func Command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	setPdeathsig(cmd)
	return cmd
}

type VerboseError struct {
	Title    string
	Output   []byte
	ExitCode int
}

func (err *VerboseError) Error() string {
	if len(err.Output) == 0 {
		return err.Title
	}
	return fmt.Sprintf("%v\n%s", err.Title, err.Output)
}

func PrependContext(ctx string, err error) error {
	var verr *VerboseError
	if errors.As(err, &verr) {
		verr.Title = fmt.Sprintf("%v: %v", ctx, verr.Title)
		return verr
	}
	return fmt.Errorf("%v: %w", ctx, err)
}

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// IsDir returns true if name exists and is a directory.
func IsDir(name string) bool {
	st, err := os.Stat(name)
	return err == nil && st.IsDir()
}

// CopyFile copies oldFile to newFile preserving permissions and modification time.
func CopyFile(oldFile, newFile string) error {
	oldf, err := os.Open(oldFile)
	if err != nil {
		return err
	}
	defer oldf.Close()
	st, err := oldf.Stat()
	if err != nil {
		return err
	}
	tmpFile := newFile + ".tmp"
	newf, err := os.OpenFile(tmpFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(newf, oldf)
	if err == nil {
		// Chmod explicitly since OpenFile is subject to umask.
		err = newf.Chmod(st.Mode().Perm())
	}
	if closeErr := newf.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpFile)
		return err
	}
	if err := os.Chtimes(tmpFile, st.ModTime(), st.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmpFile, newFile)
}

// CopyDirRecursively copies the contents of srcDir into dstDir, creating dstDir if necessary.
// Existing files in dstDir are overwritten, other files in dstDir are left alone,
// so copying into an existing directory merges the two trees.
// File permissions and symlinks are preserved.
func CopyDirRecursively(srcDir, dstDir string) error {
	st, err := os.Stat(srcDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dstDir, st.Mode().Perm()); err != nil {
		return err
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		switch {
		case entry.IsDir():
			if err := CopyDirRecursively(src, dst); err != nil {
				return err
			}
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err != nil {
				return err
			}
			os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := CopyFile(src, dst); err != nil {
				return err
			}
		}
	}
	return os.Chmod(dstDir, st.Mode().Perm())
}

// MoveDir moves srcDir to dstDir. dstDir must not exist.
// Falls back to copy+remove if a rename is not possible (e.g. across filesystems).
func MoveDir(srcDir, dstDir string) error {
	if IsExist(dstDir) {
		return fmt.Errorf("failed to move %v: destination %v already exists", srcDir, dstDir)
	}
	if err := MkdirAll(filepath.Dir(dstDir)); err != nil {
		return err
	}
	if err := os.Rename(srcDir, dstDir); err == nil {
		return nil
	}
	if err := CopyDirRecursively(srcDir, dstDir); err != nil {
		return err
	}
	return RemoveAll(srcDir)
}

// ReplaceDir atomically (as much as Linux allows) replaces dstDir with srcDir.
func ReplaceDir(srcDir, dstDir string) error {
	if err := RemoveAll(dstDir); err != nil {
		return err
	}
	return os.Rename(srcDir, dstDir)
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

// RecreateDir removes dir with all contents (if it exists) and creates it empty again.
func RecreateDir(dir string) error {
	if err := RemoveAll(dir); err != nil {
		return err
	}
	return MkdirAll(dir)
}

func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

func WriteExecFile(filename string, data []byte) error {
	os.Remove(filename)
	return os.WriteFile(filename, data, DefaultExecPerm)
}

// WriteFileAtomic writes data to a temp file next to filename and renames it over filename,
// so readers never observe a partially written file.
func WriteFileAtomic(filename string, data []byte) error {
	tmp := filename + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, DefaultFilePerm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filename)
}

// Return all files in a directory.
func ListDir(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// ListFiles returns sorted full paths of all regular files (not directories) in dir.
// A missing directory is not an error and yields no files.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// CountEntries returns the number of entries (of any type) in dir.
func CountEntries(dir string) (int, error) {
	names, err := ListDir(dir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// FileSize returns size of the file, or 0 if it can't be stat-ed.
func FileSize(name string) int64 {
	st, err := os.Stat(name)
	if err != nil {
		return 0
	}
	return st.Size()
}

// Abs returns absolute path for path relative to the current working directory.
func Abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
