// validate.go implements the "sandboxpipe validate" command.
//
// The validate command checks a workflow definition without contacting
// Docker and reports every problem at once. With --print it also shows the
// effective definition after defaults were applied.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/sandboxpipe/internal/config"
	"github.com/shinji-kodama/sandboxpipe/internal/model"
)

// validateFlags holds the flag values for the validate command.
type validateFlags struct {
	file  string
	print bool
}

// NewValidateCommand creates the "validate" cobra command.
func NewValidateCommand() *cobra.Command {
	flags := &validateFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a workflow definition",
		Long: `Check a workflow definition and report every problem found.

Without --file the built-in workflow is checked. With --print the effective
definition, defaults included, is written in the file's format (YAML for
the built-in workflow).

Examples:
  sandboxpipe validate --file workflow.yaml
  sandboxpipe validate --print`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "Workflow file (.json, .jsonc, .yaml, .yml)")
	cmd.Flags().BoolVar(&flags.print, "print", false, "Print the effective workflow")

	return cmd
}

// runValidate loads the workflow, prints the outcome and returns a
// CLIError with ExitConfigMissing if it is invalid.
func runValidate(w io.Writer, flags *validateFlags) error {
	wf, err := loadWorkflow(flags.file)
	if err != nil {
		return err
	}
	problems := wf.Validate()

	if flags.print {
		ext := filepath.Ext(flags.file)
		if ext == "" {
			ext = ".yaml"
		}
		data, err := config.Marshal(wf, ext)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}

	if err := printValidateResult(w, wf.Name, problems); err != nil {
		return err
	}
	if len(problems) > 0 {
		return model.WrapCLIError(model.ExitConfigMissing,
			fmt.Sprintf("workflow %q has %d problem(s)", wf.Name, len(problems)), wf.Err())
	}
	return nil
}

// printValidateResult outputs the problems in text or JSON format.
func printValidateResult(w io.Writer, name string, problems []config.ValidationError) error {
	if IsJSONOutput() {
		type problemJSON struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		}
		result := struct {
			Name     string        `json:"name"`
			Valid    bool          `json:"valid"`
			Problems []problemJSON `json:"problems"`
		}{
			Name:     name,
			Valid:    len(problems) == 0,
			Problems: make([]problemJSON, 0, len(problems)),
		}
		for _, p := range problems {
			result.Problems = append(result.Problems, problemJSON{Field: p.Field, Message: p.Message})
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	if len(problems) == 0 {
		fmt.Fprintf(w, "✓ Workflow %q is valid\n", name)
		return nil
	}
	fmt.Fprintf(w, "✗ Workflow %q is invalid:\n", name)
	for _, p := range problems {
		fmt.Fprintf(w, "  - %s: %s\n", p.Field, p.Message)
	}
	return nil
}
