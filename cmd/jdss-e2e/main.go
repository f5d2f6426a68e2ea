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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/pipeline"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/logging"
	"github.com/alexandremahdhaoui/jdss-e2e/pkg/vmm"
)

// Version is set at build time.
var Version = "dev"

var errUsage = errors.New("invalid usage")

const usage = `Usage: jdss-e2e <command> [options]

Commands:
  build              Build the JovianDSS CSI plugin image in a build VM
  aggregation-test   Deploy the built image to a cluster VM and run a workload on it
  clean <root>       Destroy the VM of a root and remove its descriptor
  session <root>     Print the ssh command reaching the running VM of a root
  version            Print the version

Run 'jdss-e2e <command> -h' for the options of a command.

Environment Variables:
  JDSS_E2E_CONFIG_PATH       Config file, overridden by --config
  JDSS_E2E_ARTIFACTS_DIR     Run reports location (default: ~/.jdss-e2e/runs)
  JDSS_E2E_LIBVIRT_URI       Hypervisor URI (default: qemu:///system)
  JDSS_E2E_IMAGE_DIR         Template images directory
  JDSS_E2E_SSH_KEY           Private key used to reach the VMs
  JDSS_E2E_CLUSTER_MODE      kubectl or api
  JDSS_E2E_CLEAN_ON_FAILURE  Tear VMs down after a failed run
  JDSS_E2E_WITH_BRANCH       Prefix version tags with the source branch
  JDSS_E2E_DEV_MODE          Human-readable text logs at info level
  JDSS_E2E_DEBUG             Enable debug logging (set to "1")
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return 1
	}

	switch args[0] {
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, args[0], args[1:], stdout, stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Success!")
	return 0
}

func dispatch(ctx context.Context, command string, args []string, stdout, stderr io.Writer) error {
	switch command {
	case "build":
		cfg, bcfg, err := parseBuild(args, stderr)
		if err != nil {
			return err
		}
		return withRunner(cfg, func(r *pipeline.Runner) error {
			_, err := r.Build(ctx, bcfg)
			return err
		})

	case "aggregation-test":
		cfg, acfg, err := parseAggregation(args, stderr)
		if err != nil {
			return err
		}
		return withRunner(cfg, func(r *pipeline.Runner) error {
			_, err := r.Aggregation(ctx, acfg)
			return err
		})

	case "clean":
		cfg, root, err := parseRoot(command, args, stderr)
		if err != nil {
			return err
		}
		return withRunner(cfg, func(r *pipeline.Runner) error {
			return r.Clean(ctx, root)
		})

	case "session":
		cfg, root, err := parseRoot(command, args, stderr)
		if err != nil {
			return err
		}
		return withRunner(cfg, func(r *pipeline.Runner) error {
			s, err := r.Session(ctx, root)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, sshCommand(s))
			return nil
		})

	default:
		fmt.Fprint(stderr, usage)
		return errors.Join(fmt.Errorf("unknown command %q", command), errUsage)
	}
}

// withRunner connects to the hypervisor for the duration of f.
func withRunner(cfg *Config, f func(r *pipeline.Runner) error) error {
	logging.Setup(loggingOptions(cfg))

	hv, err := vmm.NewLibvirt(cfg.VM.LibvirtURI)
	if err != nil {
		return err
	}
	defer func() {
		if err := hv.Close(); err != nil {
			slog.Warn("failed to close hypervisor connection", "error", err.Error())
		}
	}()

	mode, err := cluster.ParseMode(cfg.Cluster.Mode)
	if err != nil {
		return err
	}

	manager := vmm.New(cfg.vmmConfig(), hv, cfg.disks())
	return f(pipeline.New(manager,
		pipeline.WithCluster(pipeline.ClusterFor(mode, cfg.Cluster.Namespace, cfg.Cluster.Kubeconfig)),
		pipeline.WithPolling(cfg.Aggregation.PollInterval, nil),
	))
}

func loggingOptions(cfg *Config) logging.Options {
	opts := logging.OptionsFromEnv()
	if cfg.DevelopmentMode {
		opts.Development = true
	}
	return opts
}

// commonFlags are accepted by build and aggregation-test.
type commonFlags struct {
	configPath     string
	noClean        bool
	cleanOnFailure bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", os.Getenv(ConfigPathEnvKey), "Path to the config file.")
	fs.BoolVar(&c.noClean, "no-clean", false, "Do not clean the environment after execution.")
	fs.BoolVar(&c.cleanOnFailure, "clean-on-failure", false, "Clean the environment even when a step failed.")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// isSet reports whether name was given on the command line.
func isSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func parseBuild(args []string, stderr io.Writer) (*Config, pipeline.BuildConfig, error) {
	var (
		common   commonFlags
		template string
		branch   string
		cloneURL string
	)
	fs := newFlagSet("build", stderr)
	common.register(fs)
	fs.StringVar(&template, "build-vm", pipeline.DefaultBuildTemplate, "VM template to be used for building the plugin.")
	fs.StringVar(&branch, "branch", "master", "Branch to clone with --clone-url.")
	fs.StringVar(&cloneURL, "clone-url", "", "Clone the plugin inside the VM instead of using build/src.")
	if err := fs.Parse(args); err != nil {
		return nil, pipeline.BuildConfig{}, err
	}

	cfg, err := LoadConfig(common.configPath)
	if err != nil {
		return nil, pipeline.BuildConfig{}, err
	}
	if isSet(fs, "build-vm") {
		cfg.Build.Template = template
	}
	if isSet(fs, "branch") {
		cfg.Build.Branch = branch
	}
	if isSet(fs, "clone-url") {
		cfg.Build.CloneURL = cloneURL
	}
	if isSet(fs, "clean-on-failure") {
		cfg.CleanOnFailure = common.cleanOnFailure
	}

	bcfg := cfg.buildPipeline()
	bcfg.NoClean = common.noClean
	return cfg, bcfg, nil
}

func parseAggregation(args []string, stderr io.Writer) (*Config, pipeline.AggregationConfig, error) {
	var (
		common      commonFlags
		template    string
		source      string
		moveSource  bool
		controller  string
		node        string
		clusterMode string
	)
	fs := newFlagSet("aggregation-test", stderr)
	common.register(fs)
	fs.StringVar(&template, "test-vm", pipeline.DefaultAggregationTemplate, "VM template to be used for testing the plugin.")
	fs.StringVar(&source, "source", pipeline.DefaultAggregationSource, "Plugin source tree holding the built image.")
	fs.BoolVar(&moveSource, "move-source", false, "Move the source tree instead of copying it.")
	fs.StringVar(&controller, "controller-cfg", "", "Controller plugin config to stage.")
	fs.StringVar(&node, "node-cfg", "", "Node plugin config to stage.")
	fs.StringVar(&clusterMode, "cluster-mode", string(cluster.ModeKubectl), "How to reach the cluster: kubectl or api.")
	if err := fs.Parse(args); err != nil {
		return nil, pipeline.AggregationConfig{}, err
	}

	cfg, err := LoadConfig(common.configPath)
	if err != nil {
		return nil, pipeline.AggregationConfig{}, err
	}
	if isSet(fs, "test-vm") {
		cfg.Aggregation.Template = template
	}
	if isSet(fs, "source") {
		cfg.Aggregation.Source = source
	}
	if isSet(fs, "move-source") {
		cfg.Aggregation.MoveSource = moveSource
	}
	if isSet(fs, "controller-cfg") {
		cfg.Aggregation.ControllerConfig = controller
	}
	if isSet(fs, "node-cfg") {
		cfg.Aggregation.NodeConfig = node
	}
	if isSet(fs, "cluster-mode") {
		if _, err := cluster.ParseMode(clusterMode); err != nil {
			return nil, pipeline.AggregationConfig{}, err
		}
		cfg.Cluster.Mode = clusterMode
	}
	if isSet(fs, "clean-on-failure") {
		cfg.CleanOnFailure = common.cleanOnFailure
	}

	acfg := cfg.aggregationPipeline()
	acfg.NoClean = common.noClean
	return cfg, acfg, nil
}

// sshCommand renders s as a command line a user can paste.
func sshCommand(s vmm.Session) string {
	return fmt.Sprintf("ssh -i %s -p %d %s@%s", s.PrivateKeyPath, s.Port, s.User, s.Host)
}

// parseRoot parses the options of commands taking a single root.
func parseRoot(command string, args []string, stderr io.Writer) (*Config, string, error) {
	var configPath string
	fs := newFlagSet(command, stderr)
	fs.StringVar(&configPath, "config", os.Getenv(ConfigPathEnvKey), "Path to the config file.")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if fs.NArg() != 1 {
		return nil, "", errors.Join(fmt.Errorf("'%s' requires exactly one root", command), errUsage)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, fs.Arg(0), nil
}
