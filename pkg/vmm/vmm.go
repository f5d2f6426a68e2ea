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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/pkg/cloudinit"
)

const maxIPBackoff = 30 * time.Second

// Manager owns the lifecycle of the VMs rooted in a directory: one VM per
// root, described by the root's provisioning descriptor.
type Manager struct {
	cfg   Config
	hv    Hypervisor
	disks DiskBuilder

	sleep    func(ctx context.Context, d time.Duration) error
	awaitSSH func(ctx context.Context, s Session, timeout time.Duration) error
}

type Option func(*Manager)

// WithSleep replaces the wait used between IP lookups.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = f }
}

// WithSSHWaiter replaces the SSH readiness check run at the end of Start.
func WithSSHWaiter(f func(ctx context.Context, s Session, timeout time.Duration) error) Option {
	return func(m *Manager) { m.awaitSSH = f }
}

func New(cfg Config, hv Hypervisor, disks DiskBuilder, opts ...Option) *Manager {
	m := &Manager{
		cfg:      withDefaults(cfg),
		hv:       hv,
		disks:    disks,
		sleep:    sleepCtx,
		awaitSSH: awaitSSH,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func withDefaults(cfg Config) Config {
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = defaultVCPUs
	}
	if cfg.DiskSize == "" {
		cfg.DiskSize = defaultDiskSize
	}
	if cfg.Network == "" {
		cfg.Network = defaultNetwork
	}
	if cfg.GuestMountPoint == "" {
		cfg.GuestMountPoint = defaultMountPoint
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = defaultSSHUser
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = defaultSSHPort
	}
	if cfg.SSHPublicKeyPath == "" && cfg.SSHPrivateKeyPath != "" {
		cfg.SSHPublicKeyPath = cfg.SSHPrivateKeyPath + ".pub"
	}
	if cfg.IPTimeout == 0 {
		cfg.IPTimeout = defaultIPTimeout
	}
	if cfg.SSHTimeout == 0 {
		cfg.SSHTimeout = defaultSSHTimeout
	}
	return cfg
}

// TemplatePath resolves a template name to its base image. A value that
// already looks like a path is returned unchanged.
func (m *Manager) TemplatePath(template string) string {
	if strings.ContainsRune(template, filepath.Separator) || strings.HasSuffix(template, ".qcow2") {
		return template
	}
	return filepath.Join(m.cfg.ImageDir, template+".qcow2")
}

// GuestRoot is where every VM root is mounted inside its guest.
func (m *Manager) GuestRoot() string { return m.cfg.GuestMountPoint }

// Clean tears down whatever VM is associated with root. It never fails on a
// missing root, descriptor or domain, and libvirt errors are only logged.
func (m *Manager) Clean(ctx context.Context, root string) error {
	name := DomainName(root)
	if err := m.hv.Destroy(ctx, name); err != nil {
		if errors.Is(err, ErrDomainNotFound) {
			slog.Debug("no domain to destroy", "vmName", name)
		} else {
			slog.Warn("failed to destroy domain", "vmName", name, "error", err.Error())
		}
	}

	for _, path := range []string{
		filepath.Join(root, DescriptorFile),
		filepath.Join(root, stateDir),
	} {
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("failed to remove VM state", "path", path, "error", err.Error())
		}
	}

	slog.Info("cleaned VM root", "root", root, "vmName", name)
	return nil
}

// Init provisions root for template without booting anything.
func (m *Manager) Init(ctx context.Context, template, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return errors.Join(err, ErrCreateDirs)
	}

	descriptor := filepath.Join(absRoot, DescriptorFile)
	if _, err := os.Stat(descriptor); err == nil {
		return errors.Join(fmt.Errorf("descriptor=%s", descriptor), ErrDescriptorExists)
	}

	base := m.TemplatePath(template)
	if _, err := os.Stat(base); err != nil {
		return errors.Join(err, fmt.Errorf("template=%s", template), ErrTemplateNotFound)
	}

	state := filepath.Join(absRoot, stateDir)
	for _, dir := range []string{absRoot, filepath.Join(absRoot, BuildDir), state} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Join(err, fmt.Errorf("dir=%s", dir), ErrCreateDirs)
		}
	}

	name := DomainName(absRoot)
	diskPath := filepath.Join(state, "disk.qcow2")
	if err := m.disks.CreateOverlay(ctx, base, diskPath, m.cfg.DiskSize); err != nil {
		return err
	}

	userData, err := m.userData(name)
	if err != nil {
		return err
	}
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", name, name)
	isoPath := filepath.Join(state, "cloud-init.iso")
	if err := m.disks.CreateSeedISO(ctx, isoPath, userData, metaData); err != nil {
		return err
	}

	domainXML, err := generateDomainXML(domainSpec{
		Name:        name,
		Template:    template,
		MemoryMB:    m.cfg.MemoryMB,
		VCPUs:       m.cfg.VCPUs,
		DiskPath:    diskPath,
		SeedISOPath: isoPath,
		Network:     m.cfg.Network,
		ShareDir:    absRoot,
		ShareTag:    defaultShareTag,
	})
	if err != nil {
		return errors.Join(err, ErrWriteDescriptor)
	}
	if err := os.WriteFile(descriptor, []byte(domainXML), 0o644); err != nil {
		return errors.Join(err, ErrWriteDescriptor)
	}

	slog.Info("initialized VM root", "root", absRoot, "template", template, "vmName", name)
	return nil
}

func (m *Manager) userData(hostname string) (string, error) {
	var keys []string
	if m.cfg.SSHPublicKeyPath != "" {
		keys = append(keys, m.cfg.SSHPublicKeyPath)
	}
	user, err := cloudinit.NewUser(m.cfg.SSHUser, keys...)
	if err != nil {
		return "", errors.Join(err, ErrCreateSeedISO)
	}
	user.Groups = "docker,wheel"

	ud := cloudinit.UserData{
		Hostname:      hostname,
		Users:         []cloudinit.User{user},
		PackageUpdate: len(m.cfg.Packages) > 0,
		Packages:      m.cfg.Packages,
	}
	ud.AddVirtioFSMount(defaultShareTag, m.cfg.GuestMountPoint)
	return ud.Render()
}

// Start boots the VM described in root and returns once SSH is reachable.
func (m *Manager) Start(ctx context.Context, root string) (Session, error) {
	descriptor := filepath.Join(root, DescriptorFile)
	b, err := os.ReadFile(descriptor)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, errors.Join(fmt.Errorf("descriptor=%s", descriptor), ErrDescriptorNotFound)
		}
		return Session{}, errors.Join(err, ErrReadDescriptor)
	}
	name, err := parseDomainName(string(b))
	if err != nil {
		return Session{}, errors.Join(err, ErrReadDescriptor)
	}

	if err := m.hv.EnsureNetwork(ctx, m.cfg.Network); err != nil {
		return Session{}, errors.Join(err, ErrStartDomain)
	}
	if err := m.hv.DefineAndStart(ctx, string(b)); err != nil {
		return Session{}, errors.Join(err, fmt.Errorf("vmName=%s", name), ErrStartDomain)
	}
	slog.Info("started VM", "vmName", name)

	session, err := m.session(ctx, name)
	if err != nil {
		return Session{}, err
	}

	if err := m.awaitSSH(ctx, session, m.cfg.SSHTimeout); err != nil {
		return Session{}, errors.Join(err, fmt.Errorf("host=%s", session.Host), ErrAwaitSSH)
	}
	slog.Info("VM is reachable", "vmName", name, "ip", session.Host)
	return session, nil
}

// Session returns the session of the VM running for root.
func (m *Manager) Session(ctx context.Context, root string) (Session, error) {
	return m.session(ctx, DomainName(root))
}

func (m *Manager) session(ctx context.Context, name string) (Session, error) {
	ip, err := m.waitIP(ctx, name)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Host:           ip,
		Port:           m.cfg.SSHPort,
		User:           m.cfg.SSHUser,
		PrivateKeyPath: m.cfg.SSHPrivateKeyPath,
	}, nil
}

// waitIP polls the lease table with backoff until the VM has an address.
func (m *Manager) waitIP(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(m.cfg.IPTimeout)
	backoff := time.Second

	for {
		ip, err := m.hv.IPv4(ctx, name)
		if err != nil {
			return "", err
		}
		if ip != "" {
			return ip, nil
		}
		if time.Now().After(deadline) {
			return "", errors.Join(fmt.Errorf("vmName=%s", name), ErrTimeoutWaitingIP)
		}

		slog.Debug("VM IP address not found, retrying", "vmName", name, "backoff", backoff.String())
		if err := m.sleep(ctx, backoff); err != nil {
			return "", err
		}
		backoff = min(time.Duration(float64(backoff)*1.5), maxIPBackoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func awaitSSH(ctx context.Context, s Session, timeout time.Duration) error {
	client, err := s.NewClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return client.AwaitServer(ctx, timeout)
}
