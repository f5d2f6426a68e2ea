/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/alexandremahdhaoui/jdss-e2e/pkg/execcontext"
)

// QemuDisks builds disks with qemu-img and xorriso.
type QemuDisks struct {
	// ExecCtx is applied to every command, e.g. execcontext.Sudo().
	ExecCtx execcontext.Context
}

var _ DiskBuilder = QemuDisks{}

func (q QemuDisks) CreateOverlay(ctx context.Context, basePath, path, size string) error {
	return q.run(ctx, ErrCreateDisk,
		"qemu-img", "create",
		"-f", "qcow2",
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", basePath),
		path,
		size,
	)
}

func (q QemuDisks) CreateSeedISO(ctx context.Context, path, userData, metaData string) error {
	dir, err := os.MkdirTemp(filepath.Dir(path), "cidata-")
	if err != nil {
		return errors.Join(err, ErrCreateSeedISO)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "user-data"), []byte(userData), 0o644); err != nil {
		return errors.Join(err, ErrCreateSeedISO)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return errors.Join(err, ErrCreateSeedISO)
	}

	return q.run(ctx, ErrCreateSeedISO,
		"xorriso",
		"-as", "mkisofs",
		"-o", path,
		"-V", "cidata",
		"-J", "-R",
		dir,
	)
}

func (q QemuDisks) run(ctx context.Context, sentinel error, args ...string) error {
	execCtx := q.ExecCtx
	if execCtx == nil {
		execCtx = execcontext.New(nil, nil)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	execcontext.ApplyToCmd(execCtx, cmd)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), sentinel)
	}
	return nil
}
