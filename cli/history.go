package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalmacro/archive"
	"github.com/petal-labs/petalmacro/bus"
	"github.com/petal-labs/petalmacro/runtime"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded sessions or the events of one session",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().String("store", "", "SQLite event store path or DSN")
	cmd.Flags().String("archive", "", "Snapshot archive: SQLite path or postgres:// URL (default: autosave.store from config)")
	cmd.Flags().String("session", "", "Show this session's events or snapshots")
	cmd.Flags().Uint64("after", 0, "Only show events with a sequence number above this")
	cmd.Flags().Int("limit", 0, "Maximum rows (0 means no limit)")

	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	storeDSN, _ := cmd.Flags().GetString("store")
	sessionID, _ := cmd.Flags().GetString("session")
	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	ctx := cmd.Context()
	out := stdout(cmd)

	if storeDSN == "" {
		st, err := openArchive(ctx, cmd)
		if err != nil {
			return err
		}
		if st == nil {
			return exitError(exitInputParse, "one of --store or --archive is required")
		}
		defer func() {
			_ = st.Close()
		}()
		if sessionID == "" {
			return printArchiveSessions(cmd, st, out)
		}
		return printSnapshots(cmd, st, sessionID, limit, out)
	}

	es, err := openEventStore(storeDSN, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = es.Close()
	}()

	if sessionID == "" {
		return printEventSessions(cmd, es, out)
	}

	events, err := es.List(ctx, sessionID, after, limit)
	if err != nil {
		return exitError(exitStore, "listing events: %v", err)
	}
	if len(events) == 0 && after == 0 {
		return exitError(exitNotFound, "no events for session %q", sessionID)
	}
	printEvents(out, events)
	return nil
}

func printEventSessions(cmd *cobra.Command, es bus.EventStore, out io.Writer) error {
	sums, err := bus.Summarize(cmd.Context(), es)
	if err != nil {
		return exitError(exitStore, "listing sessions: %v", err)
	}

	table := newTable(out, "SESSION", "EVENTS", "LAST SEQ", "STARTED", "LAST EVENT", "STATE")
	for _, s := range sums {
		state := "open"
		if s.Closed {
			state = "closed"
		}
		table.Append([]string{
			s.SessionID,
			strconv.Itoa(s.Events),
			strconv.FormatUint(s.LatestSeq, 10),
			formatTime(s.FirstTime),
			formatTime(s.LastTime),
			state,
		})
	}
	table.Render()
	return nil
}

func printEvents(out io.Writer, events []runtime.Event) {
	table := newTable(out, "SEQ", "TIME", "KIND", "TARGET", "DETAIL", "ELAPSED")
	for _, e := range events {
		target := e.Node
		if e.Method != "" {
			target += "." + e.Method
		}
		elapsed := ""
		if e.Elapsed > 0 {
			elapsed = e.Elapsed.Round(time.Microsecond).String()
		}
		table.Append([]string{
			strconv.FormatUint(e.Seq, 10),
			formatTime(e.Time),
			string(e.Kind),
			target,
			eventDetail(e),
			elapsed,
		})
	}
	table.Render()
}

// eventDetail picks the most telling payload value of an event.
func eventDetail(e runtime.Event) string {
	for _, key := range []string{"statement", "error", "call_id"} {
		if v, ok := e.Payload[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func printArchiveSessions(cmd *cobra.Command, st archive.Store, out io.Writer) error {
	ctx := cmd.Context()
	ids, err := st.Sessions(ctx)
	if err != nil {
		return exitError(exitStore, "listing sessions: %v", err)
	}

	table := newTable(out, "SESSION", "VERSION", "STATEMENTS", "SAVED AT")
	for _, id := range ids {
		snap, err := st.Latest(ctx, id)
		if err != nil {
			return exitError(exitStore, "loading snapshot: %v", err)
		}
		table.Append([]string{
			id,
			strconv.FormatUint(snap.Version, 10),
			strconv.Itoa(snap.Statements),
			formatTime(snap.SavedAt),
		})
	}
	table.Render()
	return nil
}

func printSnapshots(cmd *cobra.Command, st archive.Store, sessionID string, limit int, out io.Writer) error {
	snaps, err := st.List(cmd.Context(), sessionID, limit)
	if err != nil {
		return exitError(exitStore, "listing snapshots: %v", err)
	}
	if len(snaps) == 0 {
		return exitError(exitNotFound, "no snapshots for session %q", sessionID)
	}

	table := newTable(out, "VERSION", "STATEMENTS", "SAVED AT")
	for _, s := range snaps {
		table.Append([]string{
			strconv.FormatUint(s.Version, 10),
			strconv.Itoa(s.Statements),
			formatTime(s.SavedAt),
		})
	}
	table.Render()
	return nil
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
