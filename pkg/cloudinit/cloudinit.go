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

package cloudinit

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	Groups            string   `json:"groups,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

// NewUser returns a passwordless-sudo user authorized with the public keys
// read from publicKeyPathList.
func NewUser(name string, publicKeyPathList ...string) (User, error) {
	authorizedKeys := make([]string, 0, len(publicKeyPathList))
	for _, path := range publicKeyPathList {
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, fmt.Errorf("reading public key %s: %w", path, err)
		}
		authorizedKeys = append(authorizedKeys, strings.TrimSpace(string(b)))
	}
	return NewUserWithAuthorizedKeys(name, authorizedKeys), nil
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

type UserData struct {
	Hostname      string      `json:"hostname"`
	PackageUpdate bool        `json:"package_update,omitempty"`
	Packages      []string    `json:"packages,omitempty"`
	Users         []User      `json:"users"`
	WriteFiles    []WriteFile `json:"write_files,omitempty"`
	RunCommands   []string    `json:"runcmd,omitempty"`
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %w", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// AddVirtioFSMount mounts the virtiofs share tagged tag at mountPoint on boot.
func (ud *UserData) AddVirtioFSMount(tag, mountPoint string) {
	unit := mountUnitName(mountPoint)
	ud.WriteFiles = append(ud.WriteFiles, WriteFile{
		Path:        "/etc/systemd/system/" + unit,
		Permissions: "0644",
		Content: fmt.Sprintf(`[Unit]
Description=jdss-e2e workspace
After=local-fs.target

[Mount]
What=%s
Where=%s
Type=virtiofs
Options=defaults,nofail

[Install]
WantedBy=multi-user.target
`, tag, mountPoint),
	})
	ud.RunCommands = append(ud.RunCommands,
		"mkdir -p "+mountPoint,
		"systemctl daemon-reload",
		"systemctl enable --now "+unit,
	)
}

// mountUnitName follows systemd's path escaping for simple absolute paths:
// /mnt/jdss-e2e -> mnt-jdss\x2de2e.mount
func mountUnitName(mountPoint string) string {
	trimmed := strings.Trim(mountPoint, "/")
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "-", `\x2d`)
	}
	return strings.Join(parts, "-") + ".mount"
}
