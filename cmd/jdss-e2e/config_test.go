//go:build unit

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

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/build"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "qemu:///system", config.VM.LibvirtURI)
	assert.Equal(t, "build", config.Build.Root)
	assert.Equal(t, "fedora29-build-0.6", config.Build.Template)
	assert.Equal(t, "master", config.Build.Branch)
	assert.Equal(t, "aggregation-test", config.Aggregation.Root)
	assert.Equal(t, "kubernetes-14.3", config.Aggregation.Template)
	assert.Equal(t, filepath.Join("build", "src"), config.Aggregation.Source)
	assert.Equal(t, []string{"iscsi_tcp"}, config.Aggregation.Modules)
	assert.Equal(t, 220, config.Aggregation.PluginTicks)
	assert.Equal(t, 120, config.Aggregation.WorkloadTicks)
	assert.Equal(t, string(cluster.ModeKubectl), config.Cluster.Mode)
	assert.False(t, config.CleanOnFailure)
	assert.False(t, config.Version.WithBranch)
	assert.NoError(t, config.Validate())
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
artifactDir: /tmp/runs
cleanOnFailure: true
vm:
  imageDir: /srv/images
  sshKeyPath: /srv/key
  ipTimeout: 90s
version:
  withBranch: true
cluster:
  mode: api
  namespace: csi
build:
  cloneURL: https://github.com/open-e/JovianDSS-KubernetesCSI
  branch: dev
aggregation:
  modules: []
  pluginTicks: 10
  pollInterval: 2s
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/runs", config.ArtifactDir)
	assert.True(t, config.CleanOnFailure)
	assert.Equal(t, "/srv/images", config.VM.ImageDir)
	assert.Equal(t, "/srv/key", config.VM.SSHKeyPath)
	assert.Equal(t, 90*time.Second, config.VM.IPTimeout)
	assert.Equal(t, "qemu:///system", config.VM.LibvirtURI)
	assert.True(t, config.Version.WithBranch)
	assert.Equal(t, "api", config.Cluster.Mode)
	assert.Equal(t, "csi", config.Cluster.Namespace)
	assert.Equal(t, "dev", config.Build.Branch)
	assert.Equal(t, "fedora29-build-0.6", config.Build.Template)
	assert.Empty(t, config.Aggregation.Modules)
	assert.Equal(t, 10, config.Aggregation.PluginTicks)
	assert.Equal(t, 120, config.Aggregation.WorkloadTicks)
	assert.Equal(t, 2*time.Second, config.Aggregation.PollInterval)

	acfg := config.aggregationPipeline()
	assert.NotNil(t, acfg.Deploy.Modules)
	assert.Empty(t, acfg.Deploy.Modules)
	assert.True(t, acfg.Version.WithBranch)
	assert.True(t, acfg.CleanOnFailure)

	bcfg := config.buildPipeline()
	assert.Equal(t, "https://github.com/open-e/JovianDSS-KubernetesCSI", bcfg.Build.CloneURL)
	assert.Equal(t, "/tmp/runs", bcfg.ArtifactDir)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "vm: [unclosed"))
	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JDSS_E2E_ARTIFACTS_DIR", "/env/runs")
	t.Setenv("JDSS_E2E_LIBVIRT_URI", "qemu:///session")
	t.Setenv("JDSS_E2E_SSH_KEY", "/env/key")
	t.Setenv("JDSS_E2E_CLUSTER_MODE", "api")
	t.Setenv("JDSS_E2E_CLEAN_ON_FAILURE", "1")
	t.Setenv("JDSS_E2E_WITH_BRANCH", "yes")

	config, err := LoadConfig(writeConfig(t, "artifactDir: /file/runs\n"))
	require.NoError(t, err)

	assert.Equal(t, "/env/runs", config.ArtifactDir)
	assert.Equal(t, "qemu:///session", config.VM.LibvirtURI)
	assert.Equal(t, "/env/key", config.VM.SSHKeyPath)
	assert.Equal(t, "api", config.Cluster.Mode)
	assert.True(t, config.CleanOnFailure)
	assert.True(t, config.Version.WithBranch)
}

func TestConfig_Validate(t *testing.T) {
	config := NewDefaultConfig()
	config.VM.ImageDir = ""
	config.VM.SSHKeyPath = ""
	config.Aggregation.Root = "build"
	config.Cluster.Mode = "grpc"
	config.Aggregation.PluginTicks = -1
	config.Aggregation.PollInterval = -time.Second

	err := config.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"vm.imageDir cannot be empty",
		"vm.sshKeyPath cannot be empty",
		"build.root and aggregation.root must differ",
		"cluster.mode",
		"aggregation ticks cannot be negative",
		"aggregation.pollInterval cannot be negative",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.ErrorIs(t, err, cluster.ErrUnknownMode)
}

func TestConfig_VMProvisioning(t *testing.T) {
	path := writeConfig(t, `
vm:
  sudo: true
  packages: [iscsi-initiator-utils]
build:
  versionVar: IMAGE_TAG
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"iscsi-initiator-utils"}, cfg.vmmConfig().Packages)
	disks := cfg.disks()
	require.NotNil(t, disks.ExecCtx)
	assert.Equal(t, []string{"sudo"}, disks.ExecCtx.PrependCmd())
	assert.Nil(t, NewDefaultConfig().disks().ExecCtx)
	assert.Equal(t, "IMAGE_TAG", cfg.buildPipeline().Build.VersionVar)
	assert.Equal(t, build.DefaultVersionVar, NewDefaultConfig().Build.VersionVar)
}
