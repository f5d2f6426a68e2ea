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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/build"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/deploy"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/pipeline"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/smoke"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/version"
	"github.com/alexandremahdhaoui/jdss-e2e/pkg/execcontext"
	"github.com/alexandremahdhaoui/jdss-e2e/pkg/vmm"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "JDSS_E2E_CONFIG_PATH"

	defaultLibvirtURI = "qemu:///system"
	defaultImageDir   = "/var/lib/libvirt/images"
)

// Config holds the configuration for jdss-e2e. Command-line flags override it.
type Config struct {
	// ArtifactDir receives one directory of reports per run.
	ArtifactDir string `yaml:"artifactDir"`

	// CleanOnFailure tears the VM down even when a step failed
	CleanOnFailure bool `yaml:"cleanOnFailure"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `yaml:"developmentMode"`

	VM          VMConfig          `yaml:"vm"`
	Version     VersionConfig     `yaml:"version"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Build       BuildConfig       `yaml:"build"`
	Aggregation AggregationConfig `yaml:"aggregation"`
}

type VMConfig struct {
	LibvirtURI      string        `yaml:"libvirtURI"`
	ImageDir        string        `yaml:"imageDir"`
	MemoryMB        uint          `yaml:"memoryMB"`
	VCPUs           uint          `yaml:"vcpus"`
	DiskSize        string        `yaml:"diskSize"`
	Network         string        `yaml:"network"`
	GuestMountPoint string        `yaml:"guestMountPoint"`
	SSHUser         string        `yaml:"sshUser"`
	SSHPort         int           `yaml:"sshPort"`
	SSHKeyPath      string        `yaml:"sshKeyPath"`
	IPTimeout       time.Duration `yaml:"ipTimeout"`
	SSHTimeout      time.Duration `yaml:"sshTimeout"`
	// Packages are installed on first boot.
	Packages []string `yaml:"packages,omitempty"`
	// Sudo runs the host disk tools (qemu-img, genisoimage) through sudo,
	// for image dirs owned by root.
	Sudo bool `yaml:"sudo"`
}

type VersionConfig struct {
	// WithBranch prefixes tags with the source branch. Both commands must
	// agree on it or the aggregation test looks for an archive that was never
	// built.
	WithBranch bool `yaml:"withBranch"`
}

type ClusterConfig struct {
	Mode       string `yaml:"mode"`
	Namespace  string `yaml:"namespace,omitempty"`
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
}

type BuildConfig struct {
	Root       string            `yaml:"root"`
	Template   string            `yaml:"template"`
	CloneURL   string            `yaml:"cloneURL,omitempty"`
	Branch     string            `yaml:"branch"`
	Image      string            `yaml:"image"`
	MakeTarget string            `yaml:"makeTarget"`
	VersionVar string            `yaml:"versionVar"`
	Env        map[string]string `yaml:"env,omitempty"`
}

type AggregationConfig struct {
	Root             string        `yaml:"root"`
	Template         string        `yaml:"template"`
	Source           string        `yaml:"source"`
	MoveSource       bool          `yaml:"moveSource"`
	ControllerConfig string        `yaml:"controllerConfig,omitempty"`
	NodeConfig       string        `yaml:"nodeConfig,omitempty"`
	Modules          []string      `yaml:"modules"`
	PluginTicks      int           `yaml:"pluginTicks"`
	WorkloadTicks    int           `yaml:"workloadTicks"`
	PollInterval     time.Duration `yaml:"pollInterval"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ArtifactDir: filepath.Join(home, ".jdss-e2e", "runs"),
		VM: VMConfig{
			LibvirtURI: defaultLibvirtURI,
			ImageDir:   defaultImageDir,
			SSHKeyPath: filepath.Join(home, ".ssh", "id_ed25519"),
		},
		Cluster: ClusterConfig{Mode: string(cluster.ModeKubectl)},
		Build: BuildConfig{
			Root:       pipeline.DefaultBuildRoot,
			Template:   pipeline.DefaultBuildTemplate,
			Branch:     "master",
			Image:      build.DefaultImage,
			MakeTarget: build.DefaultMakeTarget,
			VersionVar: build.DefaultVersionVar,
		},
		Aggregation: AggregationConfig{
			Root:          pipeline.DefaultAggregationRoot,
			Template:      pipeline.DefaultAggregationTemplate,
			Source:        pipeline.DefaultAggregationSource,
			Modules:       deploy.DefaultConfig().Modules,
			PluginTicks:   deploy.DefaultPluginTicks,
			WorkloadTicks: smoke.DefaultTicks,
			PollInterval:  time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML (or JSON) file path, then applies
// env var overrides. If configPath is empty, it uses environment variables only.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("JDSS_E2E_ARTIFACTS_DIR"); val != "" {
		c.ArtifactDir = val
	}
	if val := os.Getenv("JDSS_E2E_LIBVIRT_URI"); val != "" {
		c.VM.LibvirtURI = val
	}
	if val := os.Getenv("JDSS_E2E_IMAGE_DIR"); val != "" {
		c.VM.ImageDir = val
	}
	if val := os.Getenv("JDSS_E2E_SSH_KEY"); val != "" {
		c.VM.SSHKeyPath = val
	}
	if val := os.Getenv("JDSS_E2E_CLUSTER_MODE"); val != "" {
		c.Cluster.Mode = val
	}
	if val := os.Getenv("JDSS_E2E_CLEAN_ON_FAILURE"); val != "" {
		c.CleanOnFailure = isTrue(val)
	}
	if val := os.Getenv("JDSS_E2E_WITH_BRANCH"); val != "" {
		c.Version.WithBranch = isTrue(val)
	}
	if val := os.Getenv("JDSS_E2E_DEV_MODE"); val != "" {
		c.DevelopmentMode = isTrue(val)
	}
}

func isTrue(val string) bool {
	return val == "true" || val == "1" || val == "yes"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.VM.ImageDir == "" {
		errs = append(errs, errors.New("vm.imageDir cannot be empty"))
	}
	if c.VM.SSHKeyPath == "" {
		errs = append(errs, errors.New("vm.sshKeyPath cannot be empty"))
	}
	if c.Build.Root == "" {
		errs = append(errs, errors.New("build.root cannot be empty"))
	}
	if c.Aggregation.Root == "" {
		errs = append(errs, errors.New("aggregation.root cannot be empty"))
	}
	if c.Build.Root != "" && filepath.Clean(c.Build.Root) == filepath.Clean(c.Aggregation.Root) {
		errs = append(errs, errors.New("build.root and aggregation.root must differ"))
	}
	if _, err := cluster.ParseMode(c.Cluster.Mode); err != nil {
		errs = append(errs, fmt.Errorf("cluster.mode: %w", err))
	}
	if c.Aggregation.PluginTicks < 0 || c.Aggregation.WorkloadTicks < 0 {
		errs = append(errs, errors.New("aggregation ticks cannot be negative"))
	}
	if c.Aggregation.PollInterval < 0 {
		errs = append(errs, errors.New("aggregation.pollInterval cannot be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func (c *Config) vmmConfig() vmm.Config {
	return vmm.Config{
		ImageDir:          c.VM.ImageDir,
		MemoryMB:          c.VM.MemoryMB,
		VCPUs:             c.VM.VCPUs,
		DiskSize:          c.VM.DiskSize,
		Network:           c.VM.Network,
		GuestMountPoint:   c.VM.GuestMountPoint,
		SSHUser:           c.VM.SSHUser,
		SSHPort:           c.VM.SSHPort,
		SSHPrivateKeyPath: c.VM.SSHKeyPath,
		IPTimeout:         c.VM.IPTimeout,
		SSHTimeout:        c.VM.SSHTimeout,
		Packages:          c.VM.Packages,
	}
}

func (c *Config) disks() vmm.QemuDisks {
	var disks vmm.QemuDisks
	if c.VM.Sudo {
		disks.ExecCtx = execcontext.Sudo()
	}
	return disks
}

func (c *Config) options() pipeline.Options {
	return pipeline.Options{ArtifactDir: c.ArtifactDir, CleanOnFailure: c.CleanOnFailure}
}

func (c *Config) buildPipeline() pipeline.BuildConfig {
	return pipeline.BuildConfig{
		Root:     c.Build.Root,
		Template: c.Build.Template,
		Version:  version.Options{WithBranch: c.Version.WithBranch},
		Build: build.Config{
			CloneURL:   c.Build.CloneURL,
			Branch:     c.Build.Branch,
			Image:      c.Build.Image,
			MakeTarget: c.Build.MakeTarget,
			VersionVar: c.Build.VersionVar,
			Env:        c.Build.Env,
		},
		Options: c.options(),
	}
}

func (c *Config) aggregationPipeline() pipeline.AggregationConfig {
	d := deploy.DefaultConfig()
	d.Image = c.Build.Image
	d.Modules = c.Aggregation.Modules
	d.PluginTicks = c.Aggregation.PluginTicks

	s := smoke.DefaultConfig()
	s.Ticks = c.Aggregation.WorkloadTicks

	return pipeline.AggregationConfig{
		Root:             c.Aggregation.Root,
		Template:         c.Aggregation.Template,
		Source:           c.Aggregation.Source,
		MoveSource:       c.Aggregation.MoveSource,
		ControllerConfig: c.Aggregation.ControllerConfig,
		NodeConfig:       c.Aggregation.NodeConfig,
		Version:          version.Options{WithBranch: c.Version.WithBranch},
		Deploy:           d,
		Smoke:            s,
		Options:          c.options(),
	}
}
