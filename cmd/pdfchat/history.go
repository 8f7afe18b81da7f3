package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/omochice/pdfchat/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List saved sessions, or print one transcript",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("no data path configured")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		return listSessions(st, out)
	}
	return printTranscript(st, args[0], out)
}

func listSessions(st *store.Store, out io.Writer) error {
	sums, err := st.Sessions()
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Fprintln(out, "no saved sessions")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tITEMS\tUPDATED")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.ID, s.Count, humanize.Time(s.Updated))
	}
	return tw.Flush()
}

func printTranscript(st *store.Store, id string, out io.Writer) error {
	records, err := st.Load(id)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	for _, r := range records {
		ts := ""
		if !r.CreatedAt.IsZero() {
			ts = r.CreatedAt.Local().Format(time.DateTime) + " "
		}
		fmt.Fprintf(out, "%s[%s] %s\n", ts, r.Role, r.Content)
	}
	return nil
}
