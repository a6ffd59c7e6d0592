// run.go implements the "sandboxpipe run" command.
//
// The run command executes one workflow end to end:
//  1. Load the workflow (a file or the built-in default) and the credential
//  2. Validate everything before Docker is contacted
//  3. Create the sandbox, provision it, generate and extract the artifact
//  4. Launch the service, wait until it answers, and hold it open
//  5. Destroy the sandbox on exit, error, or Ctrl+C

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sandboxpipe/internal/config"
	"github.com/shinji-kodama/sandboxpipe/internal/docker"
	"github.com/shinji-kodama/sandboxpipe/internal/workflow"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	// file is the workflow definition. Empty selects the built-in one.
	file string

	// noHold tears the sandbox down as soon as the service is ready.
	noHold bool

	// image and name override the workflow's session settings.
	image string
	name  string

	// credentialEnv names the host variable holding the credential.
	credentialEnv string

	dockerHost string
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow in a fresh sandbox",
		Long: `Run a workflow in a fresh Docker sandbox.

Without --file the built-in workflow runs: it installs the Copilot CLI in an
Ubuntu sandbox, asks it to enhance the Gradio example app, and serves the
result on port 7860. The credential is read from $GITHUB_TOKEN unless
--credential-env names another variable.

The sandbox is held open until Ctrl+C, then destroyed. With --no-hold it is
destroyed as soon as the service answers.

Examples:
  sandboxpipe run
  sandboxpipe run --file workflow.yaml
  sandboxpipe run --file workflow.jsonc --no-hold --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "Workflow file (.json, .jsonc, .yaml, .yml)")
	cmd.Flags().BoolVar(&flags.noHold, "no-hold", false, "Destroy the sandbox once the service is ready")
	cmd.Flags().StringVar(&flags.image, "image", "", "Override the sandbox image")
	cmd.Flags().StringVar(&flags.name, "name", "", "Override the sandbox name")
	cmd.Flags().StringVar(&flags.credentialEnv, "credential-env", config.DefaultCredentialEnv,
		"Host environment variable holding the credential")
	cmd.Flags().StringVar(&flags.dockerHost, "docker-host", "", "Docker daemon address (default: $DOCKER_HOST or local socket)")

	return cmd
}

// runRun is the main logic function for the run command.
func runRun(cmd *cobra.Command, flags *runFlags) error {
	// Step 1: Build and validate the configuration. Nothing is allocated
	// and Docker is not contacted when this fails.
	cfg, err := buildRunConfig(flags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr())
	logger.Debug("configuration loaded", "config", cfg)

	// Step 2: Interrupts cancel the run; the sandbox is still destroyed.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 3: Connect to Docker and verify the daemon is available.
	cli, err := docker.NewClient(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	if err := cli.Ping(ctx); err != nil {
		return err
	}
	VerboseLog("Connected to Docker daemon")

	// Step 4: Run the workflow.
	out := newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg.JSON, cfg.HoldOpen)
	wf := workflow.New(cfg, docker.NewProvider(cli, logger), logger)
	wf.Observer = out
	wf.Stdout = out.stdoutLine
	wf.Stderr = out.stderrLine

	report, err := wf.Run(ctx)
	if err != nil {
		return err
	}
	if report != nil {
		out.printf("Sandbox %s destroyed.\n", report.Sandbox)
	}
	return nil
}

// buildRunConfig assembles the run configuration from flags and the
// environment. It is the only place the credential is read.
func buildRunConfig(flags *runFlags) (*config.Config, error) {
	wf, err := loadWorkflow(flags.file)
	if err != nil {
		return nil, err
	}
	if flags.image != "" {
		wf.Session.Image = flags.image
	}
	if flags.name != "" {
		wf.Session.Name = flags.name
	}

	source := flags.credentialEnv
	if source == "" {
		source = config.DefaultCredentialEnv
	}
	return &config.Config{
		Credential:       config.CredentialFromEnv(source),
		CredentialSource: source,
		Workflow:         wf,
		HoldOpen:         !flags.noHold,
		DockerHost:       flags.dockerHost,
		Verbose:          verbose,
		JSON:             jsonOutput,
	}, nil
}

// loadWorkflow reads path, or returns the built-in workflow when path is
// empty.
func loadWorkflow(path string) (*config.Workflow, error) {
	if path == "" {
		return config.Default(), nil
	}
	wf, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	VerboseLog("Loaded workflow %q from %s", wf.Name, path)
	return wf, nil
}

var _ workflow.Observer = (*console)(nil)
