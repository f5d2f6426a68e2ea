// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workspace prepares the directories a VM root is made of and moves
// source trees into them. Everything under a root is shared with the guest,
// so a Layout maps the same relative path to its host and guest locations.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

const (
	BuildDir = "build"
	// SourceDir is where the aggregation test expects the plugin source.
	SourceDir = "build/src"

	ControllerConfig = "controller-cfg.yaml"
	NodeConfig       = "node-cfg.yaml"
)

var (
	ErrPrepare    = errors.New("failed to prepare workspace")
	ErrCopySource = errors.New("failed to copy source tree")
	ErrMoveSource = errors.New("failed to move source tree")
	ErrCopyFile   = errors.New("failed to copy file")
)

// Layout maps a workspace-relative path to the host and to the guest.
type Layout struct {
	HostRoot  string
	GuestRoot string
}

// Host returns the host path of rel.
func (l Layout) Host(rel ...string) string {
	return filepath.Join(append([]string{l.HostRoot}, rel...)...)
}

// Guest returns the guest path of rel. Guests are always Linux.
func (l Layout) Guest(rel ...string) string {
	return path.Join(append([]string{l.GuestRoot}, rel...)...)
}

// Prepare creates root and its build directory.
func Prepare(root string) error {
	if err := os.MkdirAll(filepath.Join(root, BuildDir), 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("root=%s", root), ErrPrepare)
	}
	return nil
}

// ResetBuild empties dstRel under the layout's host root, leaving the
// directory itself in place.
func ResetBuild(l Layout, dstRel string) error {
	dst := l.Host(dstRel)
	if err := os.RemoveAll(dst); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", dst), ErrPrepare)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", dst), ErrPrepare)
	}
	return nil
}

// CopySource replaces dstRel with a copy of src.
func CopySource(src string, l Layout, dstRel string) error {
	dst := l.Host(dstRel)
	if err := os.RemoveAll(dst); err != nil {
		return errors.Join(err, fmt.Errorf("dst=%s", dst), ErrCopySource)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("dst=%s", dst), ErrCopySource)
	}
	if err := copyTree(src, dst); err != nil {
		return errors.Join(err, fmt.Errorf("src=%s dst=%s", src, dst), ErrCopySource)
	}
	return nil
}

// MoveSource replaces dstRel with src, renaming when possible.
func MoveSource(src string, l Layout, dstRel string) error {
	dst := l.Host(dstRel)
	if err := os.RemoveAll(dst); err != nil {
		return errors.Join(err, fmt.Errorf("dst=%s", dst), ErrMoveSource)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("dst=%s", dst), ErrMoveSource)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	// cross-device
	if err := copyTree(src, dst); err != nil {
		return errors.Join(err, fmt.Errorf("src=%s dst=%s", src, dst), ErrMoveSource)
	}
	if err := os.RemoveAll(src); err != nil {
		return errors.Join(err, fmt.Errorf("src=%s", src), ErrMoveSource)
	}
	return nil
}

// CopyFile copies a single regular file, keeping its mode.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Join(err, fmt.Errorf("src=%s", src), ErrCopyFile)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("dst=%s", dst), ErrCopyFile)
	}
	if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		return errors.Join(err, fmt.Errorf("src=%s dst=%s", src, dst), ErrCopyFile)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			// sockets, devices and pipes are not part of a source tree
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
