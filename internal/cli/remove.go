// remove.go implements the "sandboxpipe remove" command.
//
// Runs destroy their own sandbox. The remove command exists for the
// leftovers of processes that were killed before they could (SIGKILL,
// a crashed host). It removes the container together with its anonymous
// volumes.
//
// A running sandbox may belong to a run that is still in progress, so it
// is only removed with --force. Without --force the command also asks for
// confirmation.

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sandboxpipe/internal/docker"
	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

// removeFlags holds the flag values for the remove command.
type removeFlags struct {
	// force removes running sandboxes and skips the confirmation prompt.
	force bool

	// all removes every managed sandbox instead of a named one.
	all bool

	dockerHost string
}

// NewRemoveCommand creates the "remove" cobra command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove leftover sandboxes",
		Long: `Remove a sandbox left behind by a run that could not tear it down.

Running sandboxes are skipped unless --force is given, since they may
belong to a run that is still in progress. Unless --force is specified,
the command prompts for confirmation.

Examples:
  sandboxpipe remove copilot-gradio-1a2b3c4d
  sandboxpipe remove --force copilot-gradio-1a2b3c4d
  sandboxpipe remove --all`,

		Args: func(cmd *cobra.Command, args []string) error {
			if flags.all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},

		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runRemove(cmd.Context(), cmd, name, flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove running sandboxes without confirmation")
	cmd.Flags().BoolVar(&flags.all, "all", false, "Remove every managed sandbox")
	cmd.Flags().StringVar(&flags.dockerHost, "docker-host", "", "Docker daemon address")

	return cmd
}

// runRemove finds the target sandboxes, optionally prompts for
// confirmation, and removes them.
func runRemove(ctx context.Context, cmd *cobra.Command, name string, flags *removeFlags) error {
	// Step 1: Connect to Docker daemon.
	cli, err := docker.NewClient(flags.dockerHost)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	VerboseLog("Connected to Docker daemon")

	// Step 2: Find the targets.
	var targets []model.SandboxInfo
	if flags.all {
		targets, err = docker.ListManagedSandboxes(ctx, cli)
		if err != nil {
			return err
		}
	} else {
		info, err := docker.FindSandbox(ctx, cli, name)
		if err != nil {
			return err
		}
		targets = []model.SandboxInfo{*info}
	}

	removable, skipped := partitionRemovable(targets, flags.force)
	if !flags.all && len(skipped) > 0 {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("sandbox %q is running; use --force to remove it", name))
	}
	if len(removable) == 0 {
		return printRemoveResult(cmd.OutOrStdout(), nil, skipped)
	}

	// Step 3: Prompt for confirmation unless --force is specified.
	if !flags.force {
		confirmed, err := promptConfirmation(cmd.InOrStdin(), cmd.OutOrStdout(), removable)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}

	// Step 4: Remove.
	removed := make([]string, 0, len(removable))
	for _, s := range removable {
		VerboseLog("Removing sandbox %s (%s)...", s.Name, s.ContainerID)
		if err := docker.RemoveSandbox(ctx, cli, s, flags.force); err != nil {
			return err
		}
		removed = append(removed, s.Name)
	}
	return printRemoveResult(cmd.OutOrStdout(), removed, skipped)
}

// partitionRemovable splits targets into those that may be removed and
// running ones held back for lack of --force.
func partitionRemovable(targets []model.SandboxInfo, force bool) (removable []model.SandboxInfo, skipped []string) {
	for _, s := range targets {
		if !force && s.Status == model.StatusRunning {
			skipped = append(skipped, s.Name)
			continue
		}
		removable = append(removable, s)
	}
	return removable, skipped
}

// promptConfirmation asks the user to confirm the removal. It reads a
// single line and accepts "y" or "yes".
func promptConfirmation(in io.Reader, out io.Writer, targets []model.SandboxInfo) (bool, error) {
	fmt.Fprintf(out, "About to remove %d sandbox(es):\n", len(targets))
	for _, s := range targets {
		fmt.Fprintf(out, "  - %s (%s)\n", s.Name, s.Status)
	}
	fmt.Fprint(out, "\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	// Closed stdin counts as "no".
	return false, scanner.Err()
}

// printRemoveResult outputs the remove result in text or JSON format.
func printRemoveResult(w io.Writer, removed, skipped []string) error {
	if IsJSONOutput() {
		result := map[string]interface{}{
			"removed": nonNil(removed),
			"skipped": nonNil(skipped),
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	for _, name := range removed {
		fmt.Fprintf(w, "Removed sandbox %q\n", name)
	}
	for _, name := range skipped {
		fmt.Fprintf(w, "Skipped running sandbox %q (use --force)\n", name)
	}
	if len(removed) == 0 && len(skipped) == 0 {
		fmt.Fprintln(w, "No sandboxes to remove.")
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
