package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalmacro/archive"
	"github.com/petal-labs/petalmacro/bus"
)

// NewExportCmd creates the "export" subcommand.
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the macro of a recorded session",
		Long: "Rebuilds a session's macro from the event store (--store), or " +
			"prints its latest archived snapshot (--archive).",
		Args: cobra.NoArgs,
		RunE: runExport,
	}

	cmd.Flags().String("store", "", "SQLite event store path or DSN")
	cmd.Flags().String("archive", "", "Snapshot archive: SQLite path or postgres:// URL (default: autosave.store from config)")
	cmd.Flags().String("session", "", "Session ID (required)")
	cmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	storeDSN, _ := cmd.Flags().GetString("store")
	sessionID, _ := cmd.Flags().GetString("session")
	output, _ := cmd.Flags().GetString("output")

	var (
		text string
		err  error
	)
	if storeDSN != "" {
		text, err = exportFromEvents(cmd, storeDSN, sessionID)
	} else {
		text, err = exportFromArchive(cmd, sessionID)
	}
	if err != nil {
		return err
	}

	if output == "" {
		fmt.Fprint(stdout(cmd), text)
		return nil
	}
	if err := os.WriteFile(output, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	return nil
}

func exportFromEvents(cmd *cobra.Command, dsn, sessionID string) (string, error) {
	es, err := openEventStore(dsn, false)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = es.Close()
	}()

	seq, err := es.LatestSeq(cmd.Context(), sessionID)
	if err != nil {
		return "", exitError(exitStore, "reading event store: %v", err)
	}
	if seq == 0 {
		return "", exitError(exitNotFound, "no events for session %q", sessionID)
	}

	m, err := bus.LoadMacro(cmd.Context(), es, sessionID)
	if err != nil {
		return "", exitError(exitRuntime, "rebuilding macro: %v", err)
	}
	if len(m.Statements) == 0 {
		return "", nil
	}
	return strings.Join(m.Statements, "\n") + "\n", nil
}

func exportFromArchive(cmd *cobra.Command, sessionID string) (string, error) {
	st, err := openArchive(cmd.Context(), cmd)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", exitError(exitInputParse, "one of --store or --archive is required")
	}
	defer func() {
		_ = st.Close()
	}()

	snap, err := st.Latest(cmd.Context(), sessionID)
	if errors.Is(err, archive.ErrNotFound) {
		return "", exitError(exitNotFound, "no snapshot for session %q", sessionID)
	}
	if err != nil {
		return "", exitError(exitStore, "loading snapshot: %v", err)
	}
	text := snap.Text
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text, nil
}
