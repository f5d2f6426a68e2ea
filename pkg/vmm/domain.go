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
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

const domainPrefix = "jdss-e2e-"

var unsafeDomainChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// DomainName derives the libvirt domain name from the VM root: the root's
// base name followed by a short digest of its absolute path, so two roots
// never share a domain and the same root always maps to the same one.
func DomainName(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	base := strings.Trim(unsafeDomainChars.ReplaceAllString(filepath.Base(abs), "-"), "-")
	digest := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String()[:8]
	return domainPrefix + base + "-" + digest
}

// domainSpec is what the descriptor encodes about a VM.
type domainSpec struct {
	Name        string
	Template    string
	MemoryMB    uint
	VCPUs       uint
	DiskPath    string
	SeedISOPath string
	Network     string
	// ShareDir is exported to the guest over virtiofs under ShareTag.
	ShareDir string
	ShareTag string
}

func generateDomainXML(spec domainSpec) (string, error) {
	domain := &libvirtxml.Domain{
		Type:        "kvm",
		Name:        spec.Name,
		Description: fmt.Sprintf("jdss-e2e template=%s", spec.Template),
		Memory: &libvirtxml.DomainMemory{
			Value: spec.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: spec.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		// virtiofs requires shared memory.
		MemoryBacking: &libvirtxml.DomainMemoryBacking{
			MemorySource: &libvirtxml.DomainMemorySource{Type: "memfd"},
			MemoryAccess: &libvirtxml.DomainMemoryAccess{Mode: "shared"},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: spec.DiskPath},
					},
					Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
				},
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: spec.SeedISOPath},
					},
					Target:   &libvirtxml.DomainDiskTarget{Dev: "sdb", Bus: "sata"},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: spec.Network},
					},
					Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{Type: "serial", Port: ptr.To(uint(0))},
					Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
					},
				},
			},
			Filesystems: []libvirtxml.DomainFilesystem{
				{
					AccessMode: "passthrough",
					Driver:     &libvirtxml.DomainFilesystemDriver{Type: "virtiofs", Queue: 1024},
					Source: &libvirtxml.DomainFilesystemSource{
						Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: spec.ShareDir},
					},
					Target: &libvirtxml.DomainFilesystemTarget{Dir: spec.ShareTag},
				},
			},
		},
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML: %w", err)
	}
	return out, nil
}

// parseDomainName returns the domain name encoded in a descriptor.
func parseDomainName(xml string) (string, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(xml); err != nil {
		return "", fmt.Errorf("unmarshal domain XML: %w", err)
	}
	if domain.Name == "" {
		return "", fmt.Errorf("domain XML has no name")
	}
	return domain.Name, nil
}
