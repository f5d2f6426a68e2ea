//go:build unit

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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

type mockHypervisor struct {
	mock.Mock
}

func (m *mockHypervisor) EnsureNetwork(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockHypervisor) DefineAndStart(ctx context.Context, domainXML string) error {
	return m.Called(ctx, domainXML).Error(0)
}

func (m *mockHypervisor) Destroy(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockHypervisor) IPv4(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

// fakeDisks writes placeholder files instead of running qemu-img/xorriso.
type fakeDisks struct {
	overlays []string
	userData string
}

func (f *fakeDisks) CreateOverlay(_ context.Context, basePath, path, _ string) error {
	f.overlays = append(f.overlays, basePath)
	return os.WriteFile(path, nil, 0o644)
}

func (f *fakeDisks) CreateSeedISO(_ context.Context, path, userData, _ string) error {
	f.userData = userData
	return os.WriteFile(path, nil, 0o644)
}

type fixture struct {
	mgr    *Manager
	hv     *mockHypervisor
	disks  *fakeDisks
	root   string
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmp := t.TempDir()

	imageDir := filepath.Join(tmp, "images")
	require.NoError(t, os.MkdirAll(imageDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "fedora29-build-0.6.qcow2"), nil, 0o644))

	key := filepath.Join(tmp, "id_ed25519")
	require.NoError(t, os.WriteFile(key+".pub", []byte("ssh-ed25519 AAAA test\n"), 0o644))

	f := &fixture{
		hv:    &mockHypervisor{},
		disks: &fakeDisks{},
		root:  filepath.Join(tmp, "build"),
	}
	f.mgr = New(Config{
		ImageDir:          imageDir,
		SSHPrivateKeyPath: key,
	}, f.hv, f.disks,
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
		WithSSHWaiter(func(context.Context, Session, time.Duration) error { return nil }),
	)
	return f
}

func TestDomainName(t *testing.T) {
	assert.True(t, strings.HasPrefix(DomainName("/tmp/x/build"), "jdss-e2e-build-"))
	assert.True(t, strings.HasPrefix(DomainName("/tmp/aggregation-test/"), "jdss-e2e-aggregation-test-"))
	assert.True(t, strings.HasPrefix(DomainName("/tmp/my root"), "jdss-e2e-my-root-"))
	assert.Regexp(t, `^jdss-e2e-build-[0-9a-f]{8}$`, DomainName("/tmp/x/build"))

	assert.Equal(t, DomainName("/a/b/build"), DomainName("/a/b/build"))
	assert.Equal(t, DomainName("/a/b/build"), DomainName("/a/b/build/"))
	assert.NotEqual(t, DomainName("/a/build"), DomainName("/b/build"))
}

func TestGenerateDomainXML(t *testing.T) {
	out, err := generateDomainXML(domainSpec{
		Name:        "jdss-e2e-build",
		Template:    "fedora29-build-0.6",
		MemoryMB:    4096,
		VCPUs:       2,
		DiskPath:    "/r/.vm/disk.qcow2",
		SeedISOPath: "/r/.vm/cloud-init.iso",
		Network:     "default",
		ShareDir:    "/r",
		ShareTag:    "jdss-e2e",
	})
	require.NoError(t, err)

	var domain libvirtxml.Domain
	require.NoError(t, domain.Unmarshal(out))

	assert.Equal(t, "jdss-e2e-build", domain.Name)
	assert.Contains(t, domain.Description, "fedora29-build-0.6")
	assert.Equal(t, uint(4096), domain.Memory.Value)
	require.Len(t, domain.Devices.Disks, 2)
	assert.Equal(t, "/r/.vm/disk.qcow2", domain.Devices.Disks[0].Source.File.File)
	assert.Equal(t, "/r/.vm/cloud-init.iso", domain.Devices.Disks[1].Source.File.File)

	require.Len(t, domain.Devices.Filesystems, 1)
	fs := domain.Devices.Filesystems[0]
	assert.Equal(t, "virtiofs", fs.Driver.Type)
	assert.Equal(t, "/r", fs.Source.Mount.Dir)
	assert.Equal(t, "jdss-e2e", fs.Target.Dir)
	assert.Equal(t, "shared", domain.MemoryBacking.MemoryAccess.Mode)

	name, err := parseDomainName(out)
	require.NoError(t, err)
	assert.Equal(t, "jdss-e2e-build", name)
}

func TestManager_Clean(t *testing.T) {
	t.Run("nonexistent root", func(t *testing.T) {
		f := newFixture(t)
		f.hv.On("Destroy", mock.Anything, DomainName(f.root)).Return(ErrDomainNotFound)

		assert.NoError(t, f.mgr.Clean(context.Background(), f.root))
		f.hv.AssertExpectations(t)
	})

	t.Run("removes state even when libvirt fails", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.mgr.Init(context.Background(), "fedora29-build-0.6", f.root))
		f.hv.On("Destroy", mock.Anything, DomainName(f.root)).Return(errors.New("connection reset"))

		require.NoError(t, f.mgr.Clean(context.Background(), f.root))

		assert.NoFileExists(t, filepath.Join(f.root, DescriptorFile))
		assert.NoDirExists(t, filepath.Join(f.root, stateDir))
		assert.DirExists(t, filepath.Join(f.root, BuildDir))
	})
}

func TestManager_Init(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.mgr.Init(ctx, "fedora29-build-0.6", f.root))

	assert.DirExists(t, filepath.Join(f.root, BuildDir))
	assert.FileExists(t, filepath.Join(f.root, stateDir, "disk.qcow2"))
	assert.FileExists(t, filepath.Join(f.root, stateDir, "cloud-init.iso"))
	require.Len(t, f.disks.overlays, 1)
	assert.Equal(t, f.mgr.TemplatePath("fedora29-build-0.6"), f.disks.overlays[0])
	assert.Contains(t, f.disks.userData, "ssh-ed25519 AAAA test")
	assert.Contains(t, f.disks.userData, "/mnt/jdss-e2e")

	b, err := os.ReadFile(filepath.Join(f.root, DescriptorFile))
	require.NoError(t, err)
	name, err := parseDomainName(string(b))
	require.NoError(t, err)
	assert.Equal(t, DomainName(f.root), name)

	t.Run("refuses an initialized root", func(t *testing.T) {
		err := f.mgr.Init(ctx, "fedora29-build-0.6", f.root)
		assert.ErrorIs(t, err, ErrDescriptorExists)
	})

	t.Run("succeeds again after clean", func(t *testing.T) {
		f.hv.On("Destroy", mock.Anything, DomainName(f.root)).Return(ErrDomainNotFound)
		require.NoError(t, f.mgr.Clean(ctx, f.root))
		assert.NoError(t, f.mgr.Init(ctx, "fedora29-build-0.6", f.root))
	})
}

func TestManager_Init_Packages(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.Packages = []string{"iscsi-initiator-utils"}

	require.NoError(t, f.mgr.Init(context.Background(), "fedora29-build-0.6", f.root))

	assert.Contains(t, f.disks.userData, "package_update: true")
	assert.Contains(t, f.disks.userData, "- iscsi-initiator-utils")
}

func TestManager_Init_NoPackages(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.Init(context.Background(), "fedora29-build-0.6", f.root))

	assert.NotContains(t, f.disks.userData, "packages")
	assert.NotContains(t, f.disks.userData, "package_update")
}

func TestManager_Init_TemplateNotFound(t *testing.T) {
	f := newFixture(t)

	err := f.mgr.Init(context.Background(), "kubernetes-14.3", f.root)

	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.NoFileExists(t, filepath.Join(f.root, DescriptorFile))
	assert.Empty(t, f.disks.overlays)
}

func TestManager_Start(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mgr.Init(ctx, "fedora29-build-0.6", f.root))

	f.hv.On("EnsureNetwork", mock.Anything, "default").Return(nil)
	f.hv.On("DefineAndStart", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	f.hv.On("IPv4", mock.Anything, DomainName(f.root)).Return("", nil).Twice()
	f.hv.On("IPv4", mock.Anything, DomainName(f.root)).Return("192.168.122.10", nil)

	session, err := f.mgr.Start(ctx, f.root)
	require.NoError(t, err)

	assert.Equal(t, Session{
		Host:           "192.168.122.10",
		Port:           22,
		User:           "jdss",
		PrivateKeyPath: f.mgr.cfg.SSHPrivateKeyPath,
	}, session)
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, f.sleeps)
	f.hv.AssertExpectations(t)
}

func TestManager_Start_Errors(t *testing.T) {
	t.Run("no descriptor", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.mgr.Start(context.Background(), f.root)
		assert.ErrorIs(t, err, ErrDescriptorNotFound)
	})

	t.Run("domain fails to boot", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.mgr.Init(context.Background(), "fedora29-build-0.6", f.root))
		f.hv.On("EnsureNetwork", mock.Anything, "default").Return(nil)
		f.hv.On("DefineAndStart", mock.Anything, mock.Anything).Return(errors.New("no kvm"))

		_, err := f.mgr.Start(context.Background(), f.root)
		assert.ErrorIs(t, err, ErrStartDomain)
	})

	t.Run("ssh never comes up", func(t *testing.T) {
		f := newFixture(t)
		f.mgr.awaitSSH = func(context.Context, Session, time.Duration) error { return errors.New("refused") }
		require.NoError(t, f.mgr.Init(context.Background(), "fedora29-build-0.6", f.root))
		f.hv.On("EnsureNetwork", mock.Anything, "default").Return(nil)
		f.hv.On("DefineAndStart", mock.Anything, mock.Anything).Return(nil)
		f.hv.On("IPv4", mock.Anything, DomainName(f.root)).Return("192.168.122.10", nil)

		_, err := f.mgr.Start(context.Background(), f.root)
		assert.ErrorIs(t, err, ErrAwaitSSH)
	})
}

func TestManager_Session_Timeout(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.IPTimeout = time.Nanosecond
	f.hv.On("IPv4", mock.Anything, DomainName(f.root)).Return("", nil)

	_, err := f.mgr.Session(context.Background(), f.root)

	assert.ErrorIs(t, err, ErrTimeoutWaitingIP)
}
