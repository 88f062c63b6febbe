package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalmacro/convert"
	"github.com/petal-labs/petalmacro/symbol"
)

const (
	severityError   = "error"
	severityWarning = "warning"
)

// Diagnostic is one problem found in a macro file.
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Col, d.Message)
}

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that every line of a macro file parses",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")
	cmd.Flags().String("root", "", "Root variable name (default from config)")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	rootName, _ := cmd.Flags().GetString("root")
	out := stdout(cmd)

	if rootName == "" {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		rootName = cfg.RootName
		if rootName == "" {
			rootName = "ui"
		}
	}

	data, err := readMacroFile(filePath)
	if err != nil {
		return err
	}

	diags := checkMacro(filePath, string(data), rootName)

	switch format {
	case "json":
		printDiagnosticsJSON(out, diags)
	case "text":
		printDiagnosticsText(out, diags)
	default:
		return exitError(exitInputParse, "unknown format %q", format)
	}

	errs, warns := countSeverities(diags)
	if errs > 0 || (strict && warns > 0) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

func readMacroFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// checkMacro parses every line of text and reports syntax errors. Names
// that are neither the root, a builtin constructor nor assigned earlier in
// the file are reported as warnings: they replay only in a session that
// binds them, such as stored values.
func checkMacro(file, text, rootName string) []Diagnostic {
	known := map[string]bool{rootName: true}
	for name := range convert.Builtins() {
		known[name] = true
	}

	var diags []Diagnostic
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
			continue
		}

		body := stmt
		var defined string
		if a, ok := stmt.(*symbol.Assign); ok {
			if v, ok := a.Target.(*symbol.Variable); ok {
				body = a.Value
				defined = v.Name
			}
		}

		reported := map[string]bool{}
		symbol.Walk(body, func(n symbol.Symbol) bool {
			v, ok := n.(*symbol.Variable)
			if !ok || known[v.Name] || reported[v.Name] {
				return true
			}
			reported[v.Name] = true
			diags = append(diags, Diagnostic{
				File:     file,
				Line:     i + 1,
				Col:      strings.Index(line, v.Name) + 1,
				Severity: severityWarning,
				Message:  fmt.Sprintf("name %q is not defined in this macro", v.Name),
			})
			return true
		})
		if defined != "" {
			known[defined] = true
		}
	}
	return diags
}

func countSeverities(diags []Diagnostic) (errs, warns int) {
	for _, d := range diags {
		switch d.Severity {
		case severityError:
			errs++
		case severityWarning:
			warns++
		}
	}
	return errs, warns
}

// printDiagnosticsText writes one "file:line:col: msg" line per diagnostic
// followed by a summary.
func printDiagnosticsText(w io.Writer, diags []Diagnostic) {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	for _, d := range diags {
		label := yellow(d.Severity)
		if d.Severity == severityError {
			label = red(d.Severity)
		}
		fmt.Fprintf(w, "%s:%d:%d: %s: %s\n", d.File, d.Line, d.Col, label, d.Message)
	}

	errs, warns := countSeverities(diags)
	switch {
	case errs == 0 && warns == 0:
		fmt.Fprintln(w, green("Valid!"))
	case errs == 0:
		fmt.Fprintf(w, "\n%s (%d %s)\n", green("Valid!"), warns, pluralize("warning", warns))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			errs, pluralize("error", errs),
			warns, pluralize("warning", warns))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []Diagnostic) {
	// Output an empty array rather than null when there are no diagnostics.
	if diags == nil {
		diags = []Diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
