package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func NewThreadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List your chat threads",
		Long: `List chat threads, most recently updated first.

Examples:
  redeven-chat threads
  redeven-chat threads --limit 50 --format json`,
		Args: cobra.NoArgs,
		RunE: runThreads,
	}
	addClientFlags(cmd)
	cmd.Flags().Int("limit", 20, "Maximum threads to list")
	cmd.Flags().String("cursor", "", "Continue from a previous page")
	cmd.Flags().String("format", "table", "Output format: table|json")
	return cmd
}

type threadRow struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func runThreads(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd, nil, nil)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	cursor, _ := cmd.Flags().GetString("cursor")
	format, _ := cmd.Flags().GetString("format")

	threads, next, err := client.Threads(cmd.Context(), limit, cursor)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if format == "json" {
		rows := make([]threadRow, 0, len(threads))
		for _, t := range threads {
			rows = append(rows, threadRow{ID: t.ID, Title: t.Title, UpdatedAt: t.UpdatedAt})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"threads": rows, "nextCursor": next})
	}
	if format != "table" {
		return fmt.Errorf("unknown format %q", format)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tTITLE")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.UpdatedAt.Local().Format("2006-01-02 15:04"), t.Title)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if next != "" {
		fmt.Fprintf(out, "\nmore: --cursor %s\n", next)
	}
	return nil
}
