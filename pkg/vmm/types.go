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
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
)

var (
	ErrDescriptorExists   = errors.New("provisioning descriptor already exists, clean the root first")
	ErrDescriptorNotFound = errors.New("provisioning descriptor not found, init the root first")
	ErrTemplateNotFound   = errors.New("VM template image not found")
	ErrDomainNotFound     = errors.New("domain not found")
	ErrTimeoutWaitingIP   = errors.New("timed out waiting for VM IP address")
	ErrCreateDirs         = errors.New("failed to create VM root directories")
	ErrWriteDescriptor    = errors.New("failed to write provisioning descriptor")
	ErrReadDescriptor     = errors.New("failed to read provisioning descriptor")
	ErrCreateDisk         = errors.New("failed to create VM disk")
	ErrCreateSeedISO      = errors.New("failed to create cloud-init seed ISO")
	ErrStartDomain        = errors.New("failed to start domain")
	ErrAwaitSSH           = errors.New("SSH server did not come up")
)

const (
	// DescriptorFile is the provisioning descriptor, a libvirt domain definition.
	DescriptorFile = "domain.xml"
	// BuildDir is created next to the descriptor and shared with the guest.
	BuildDir = "build"
	// stateDir holds the overlay disk and the seed ISO.
	stateDir = ".vm"

	defaultMemoryMB   = 4096
	defaultVCPUs      = 2
	defaultDiskSize   = "40G"
	defaultNetwork    = "default"
	defaultMountPoint = "/mnt/jdss-e2e"
	defaultShareTag   = "jdss-e2e"
	defaultSSHUser    = "jdss"
	defaultSSHPort    = 22
	defaultIPTimeout  = 3 * time.Minute
	defaultSSHTimeout = 5 * time.Minute
)

// Config holds everything the manager needs that is not part of a single call.
type Config struct {
	// ImageDir contains the templates, one <template>.qcow2 file each.
	ImageDir string
	MemoryMB uint
	VCPUs    uint
	DiskSize string
	Network  string

	// GuestMountPoint is where the VM root is mounted inside the guest.
	GuestMountPoint string

	SSHUser           string
	SSHPort           int
	SSHPrivateKeyPath string
	// SSHPublicKeyPath defaults to SSHPrivateKeyPath + ".pub".
	SSHPublicKeyPath string

	IPTimeout  time.Duration
	SSHTimeout time.Duration

	// Packages are installed by cloud-init on first boot, e.g. the iSCSI
	// initiator the node plugin needs on a bare template.
	Packages []string
}

// Session is the remote session derived from a running VM.
type Session struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
}

// NewClient opens an SSH client for the session.
func (s Session) NewClient() (*ssh.Client, error) {
	return ssh.NewClient(s.Host, s.User, s.PrivateKeyPath, strconv.Itoa(s.Port))
}

// Hypervisor is the subset of libvirt the manager uses.
type Hypervisor interface {
	EnsureNetwork(ctx context.Context, name string) error
	DefineAndStart(ctx context.Context, domainXML string) error
	// Destroy stops and undefines the domain. It returns ErrDomainNotFound
	// when no such domain exists.
	Destroy(ctx context.Context, name string) error
	// IPv4 returns the first IPv4 lease of the domain or "" if none yet.
	IPv4(ctx context.Context, name string) (string, error)
}

// DiskBuilder materializes the VM disks.
type DiskBuilder interface {
	CreateOverlay(ctx context.Context, basePath, path, size string) error
	CreateSeedISO(ctx context.Context, path, userData, metaData string) error
}
