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
	"bytes"
	"testing"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/logging"
	"github.com/alexandremahdhaoui/jdss-e2e/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"version"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.Equal(t, Version+"\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 1, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: jdss-e2e")
	assert.NotContains(t, stdout.String(), "Success!")
}

func TestRun_HelpListsEnvironment(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 0, run([]string{"help"}, &stdout, &stderr))
	for _, key := range []string{
		ConfigPathEnvKey,
		"JDSS_E2E_ARTIFACTS_DIR",
		"JDSS_E2E_LIBVIRT_URI",
		"JDSS_E2E_IMAGE_DIR",
		"JDSS_E2E_SSH_KEY",
		"JDSS_E2E_CLUSTER_MODE",
		"JDSS_E2E_CLEAN_ON_FAILURE",
		"JDSS_E2E_WITH_BRANCH",
		"JDSS_E2E_DEV_MODE",
		logging.DebugEnvKey,
	} {
		assert.Contains(t, stdout.String(), key)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"deploy"}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), `Error: unknown command "deploy"`)
	assert.Empty(t, stdout.String())
}

func TestRun_CleanRequiresRoot(t *testing.T) {
	t.Setenv(ConfigPathEnvKey, "")
	var stdout, stderr bytes.Buffer

	code := run([]string{"clean"}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Error: 'clean' requires exactly one root")
}

func TestParseBuild(t *testing.T) {
	t.Setenv(ConfigPathEnvKey, "")
	path := writeConfig(t, "build:\n  template: from-file\n  branch: from-file\n")

	cfg, bcfg, err := parseBuild([]string{"--config", path, "--no-clean", "--branch", "dev"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Build.Template)
	assert.Equal(t, "from-file", bcfg.Template)
	assert.Equal(t, "dev", bcfg.Build.Branch)
	assert.True(t, bcfg.NoClean)
	assert.False(t, bcfg.CleanOnFailure)
}

func TestParseBuild_TemplateFlag(t *testing.T) {
	t.Setenv(ConfigPathEnvKey, "")

	_, bcfg, err := parseBuild([]string{"--build-vm", "fedora-40"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "fedora-40", bcfg.Template)
	assert.False(t, bcfg.NoClean)
}

func TestParseAggregation(t *testing.T) {
	t.Setenv(ConfigPathEnvKey, "")

	cfg, acfg, err := parseAggregation([]string{
		"--test-vm", "kubernetes-1.30",
		"--controller-cfg", "/cfg/controller.yaml",
		"--cluster-mode", "api",
		"--clean-on-failure",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "kubernetes-1.30", acfg.Template)
	assert.Equal(t, "/cfg/controller.yaml", acfg.ControllerConfig)
	assert.Empty(t, acfg.NodeConfig)
	assert.Equal(t, string(cluster.ModeAPI), cfg.Cluster.Mode)
	assert.True(t, acfg.CleanOnFailure)
	assert.Equal(t, 220, acfg.Deploy.PluginTicks)
	assert.Equal(t, 120, acfg.Smoke.Ticks)
}

func TestParseAggregation_BadClusterMode(t *testing.T) {
	t.Setenv(ConfigPathEnvKey, "")

	_, _, err := parseAggregation([]string{"--cluster-mode", "grpc"}, &bytes.Buffer{})

	assert.ErrorIs(t, err, cluster.ErrUnknownMode)
}

func TestParseRoot(t *testing.T) {
	t.Setenv(ConfigPathEnvKey, "")

	_, root, err := parseRoot("clean", []string{"aggregation-test"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "aggregation-test", root)

	_, _, err = parseRoot("session", []string{"a", "b"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), "'session' requires exactly one root")
}

func TestSSHCommand(t *testing.T) {
	s := vmm.Session{Host: "192.168.122.10", Port: 22, User: "jdss", PrivateKeyPath: "/home/ci/.ssh/id_ed25519"}
	assert.Equal(t, "ssh -i /home/ci/.ssh/id_ed25519 -p 22 jdss@192.168.122.10", sshCommand(s))
}
