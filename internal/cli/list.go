// list.go implements the "sandboxpipe list" command.
//
// The list command displays all sandboxes on the Docker host that carry
// the "sandbox.managed-by=sandboxpipe" label. A sandbox normally lives only
// as long as its run, so anything listed here is either a run in progress
// or a leftover from a process that was killed before teardown.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sandboxpipe/internal/docker"
	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// status filters sandboxes by state: "running", "stopped" or "all".
	status string

	dockerHost string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List managed sandboxes",
		Long: `List all sandboxes created by sandboxpipe that still exist.

Each sandbox is shown with its name, state, image, published ports and age.

Examples:
  sandboxpipe list
  sandboxpipe list --status running
  sandboxpipe list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.status, "status", "all",
		"Filter by status: running, stopped, all (default: all)")
	cmd.Flags().StringVar(&flags.dockerHost, "docker-host", "", "Docker daemon address")

	return cmd
}

// runList connects to Docker, discovers managed sandboxes, applies the
// status filter, and outputs results in the appropriate format.
func runList(ctx context.Context, w io.Writer, flags *listFlags) error {
	// Step 1: Validate the --status flag value.
	if flags.status != "all" {
		if _, err := model.ParseSessionStatus(flags.status); err != nil {
			return model.NewCLIError(model.ExitGeneralError,
				fmt.Sprintf("invalid status filter %q: valid values are running, stopped, all", flags.status))
		}
	}

	// Step 2: Connect to Docker.
	cli, err := docker.NewClient(flags.dockerHost)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	VerboseLog("Connected to Docker daemon")

	// Step 3: List managed sandboxes, sorted by name.
	sandboxes, err := docker.ListManagedSandboxes(ctx, cli)
	if err != nil {
		return err
	}
	VerboseLog("Found %d managed sandboxes", len(sandboxes))

	// Step 4: Filter and print.
	sandboxes = filterByStatus(sandboxes, flags.status)
	return printListResult(w, sandboxes, IsJSONOutput(), time.Now())
}

func filterByStatus(sandboxes []model.SandboxInfo, status string) []model.SandboxInfo {
	if status == "all" {
		return sandboxes
	}
	filtered := make([]model.SandboxInfo, 0, len(sandboxes))
	for _, s := range sandboxes {
		if s.Status.String() == status {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// printListResult outputs the sandbox list in text or JSON format.
func printListResult(w io.Writer, sandboxes []model.SandboxInfo, asJSON bool, now time.Time) error {
	if asJSON {
		return printListResultJSON(w, sandboxes)
	}
	printListResultText(w, sandboxes, now)
	return nil
}

// printListResultJSON outputs the list as {"sandboxes": [...]}.
func printListResultJSON(w io.Writer, sandboxes []model.SandboxInfo) error {
	result := struct {
		Sandboxes []model.SandboxInfo `json:"sandboxes"`
	}{
		// Non-nil so that an empty list renders as [] instead of null.
		Sandboxes: make([]model.SandboxInfo, 0, len(sandboxes)),
	}
	result.Sandboxes = append(result.Sandboxes, sandboxes...)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// printListResultText outputs the list as a table:
//
//	NAME                      STATUS     IMAGE            PORTS          AGE
//	copilot-gradio-1a2b3c4d   running    ubuntu:24.04     32768->7860    5m
func printListResultText(w io.Writer, sandboxes []model.SandboxInfo, now time.Time) {
	if len(sandboxes) == 0 {
		fmt.Fprintln(w, "No sandboxes found.")
		return
	}

	fmt.Fprintf(w, "%-28s %-10s %-20s %-20s %s\n", "NAME", "STATUS", "IMAGE", "PORTS", "AGE")
	for _, s := range sandboxes {
		fmt.Fprintf(w, "%-28s %-10s %-20s %-20s %s\n",
			s.Name,
			s.Status.String(),
			s.Image,
			FormatPortsList(s.Ports),
			formatAge(now.Sub(s.CreatedAt)),
		)
	}
}

// FormatPortsList renders published ports as "host->container" pairs,
// sorted by host port. Returns "-" if nothing is published.
//
//	[{Port: 7860, HostPort: 32768}] → "32768->7860"
//	[]                              → "-"
func FormatPortsList(ports []model.ExposedPort) string {
	if len(ports) == 0 {
		return "-"
	}

	sorted := make([]model.ExposedPort, len(ports))
	copy(sorted, ports)
	// Numeric order; a string sort would put "15432" before "3000".
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].HostPort < sorted[j].HostPort
	})

	pairs := make([]string, 0, len(sorted))
	for _, p := range sorted {
		pairs = append(pairs, strconv.Itoa(p.HostPort)+"->"+strconv.Itoa(p.Port))
	}
	return strings.Join(pairs, ",")
}

// formatAge renders a duration in the coarse style of "docker ps".
func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
