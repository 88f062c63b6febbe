package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalmacro/symbol"
)

// NewFmtCmd creates the "fmt" subcommand.
func NewFmtCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fmt <file>",
		Short: "Rewrite a macro file in canonical form",
		Args:  cobra.ExactArgs(1),
		RunE:  runFmt,
	}

	cmd.Flags().BoolP("write", "w", false, "Write the result back to the file")
	cmd.Flags().Bool("check", false, "Exit non-zero if the file is not formatted")

	return cmd
}

func runFmt(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	write, _ := cmd.Flags().GetBool("write")
	check, _ := cmd.Flags().GetBool("check")
	out := stdout(cmd)

	data, err := readMacroFile(filePath)
	if err != nil {
		return err
	}

	formatted, diags := formatMacro(filePath, string(data))
	if len(diags) > 0 {
		printDiagnosticsText(cmd.ErrOrStderr(), diags)
		return exitError(exitValidation, "cannot format %s", filePath)
	}

	switch {
	case check:
		if formatted != string(data) {
			fmt.Fprintln(out, filePath)
			return exitError(exitValidation, "%s is not formatted", filePath)
		}
		return nil
	case write:
		if formatted == string(data) {
			return nil
		}
		info, err := os.Stat(filePath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", filePath, err)
		}
		if err := os.WriteFile(filePath, []byte(formatted), info.Mode().Perm()); err != nil {
			return fmt.Errorf("writing %s: %w", filePath, err)
		}
		return nil
	default:
		fmt.Fprint(out, formatted)
		return nil
	}
}

// formatMacro re-renders every statement of text. Runs of blank lines
// collapse to one and leading and trailing blank lines are dropped.
func formatMacro(file, text string) (string, []Diagnostic) {
	var (
		sb      strings.Builder
		diags   []Diagnostic
		pending bool
		started bool
	)
	for i, line := range strings.Split(text, "\n") {
		stmt, err := symbol.Parse(line)
		if err != nil {
			d := Diagnostic{File: file, Line: i + 1, Col: 1, Severity: severityError, Message: err.Error()}
			var se *symbol.SyntaxError
			if errors.As(err, &se) {
				d.Col = se.Pos + 1
				d.Message = se.Msg
			}
			diags = append(diags, d)
			continue
		}
		if stmt == nil {
			pending = started
			continue
		}
		rendered, err := symbol.Render(stmt)
		if err != nil {
			diags = append(diags, Diagnostic{File: file, Line: i + 1, Col: 1, Severity: severityError, Message: err.Error()})
			continue
		}
		if pending {
			sb.WriteByte('\n')
			pending = false
		}
		sb.WriteString(rendered)
		sb.WriteByte('\n')
		started = true
	}
	return sb.String(), diags
}
