package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mlm/internal/store"
)

func newStatusCommand(configFlag *string) *cobra.Command {
	var eventCount int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show library and event-log summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := loadForQuery(configFlag)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()

			health, err := st.Health(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Tracked", "Linked", "Replaced", "Errored"},
				[][]string{{
					strconv.Itoa(health.Total),
					strconv.Itoa(health.Linked),
					strconv.Itoa(health.Replaced),
					strconv.Itoa(health.Errored),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight},
			))

			events, err := st.Events(ctx, eventCount,
				store.EventGrabbed, store.EventLinked, store.EventCleaned, store.EventError)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events recorded yet.")
				return nil
			}

			rows := make([][]string, 0, len(events))
			for _, event := range events {
				rows = append(rows, []string{
					humanize.Time(event.CreatedAt),
					string(event.Kind),
					shortHash(event.SubjectHash),
					eventDetail(event),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"When", "Event", "Torrent", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVarP(&eventCount, "events", "n", 15, "Number of recent events to show")
	return cmd
}

func newErroredCommand(configFlag *string) *cobra.Command {
	var clearHash string

	cmd := &cobra.Command{
		Use:   "errored",
		Short: "List torrents with permanent errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := loadForQuery(configFlag)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()

			if clearHash != "" {
				if err := st.ClearTorrentError(ctx, clearHash); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared error on %s\n", clearHash)
				return nil
			}

			errored, err := st.Errored(ctx)
			if err != nil {
				return err
			}
			if len(errored) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No errored torrents.")
				return nil
			}
			rows := make([][]string, 0, len(errored))
			for _, torrent := range errored {
				rows = append(rows, []string{
					shortHash(torrent.InfoHash),
					torrent.Title,
					torrent.ErrorMessage,
					humanize.Time(torrent.UpdatedAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Torrent", "Title", "Error", "When"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&clearHash, "clear", "", "Clear the error on a torrent hash so the loops retry it")
	return cmd
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func eventDetail(event store.EventRecord) string {
	var parts []string
	for _, key := range []string{"title", "cost", "library_path", "replacement", "message", "spec"} {
		if value, ok := event.Payload[key]; ok {
			if text, ok := value.(string); ok && text != "" {
				parts = append(parts, fmt.Sprintf("%s=%s", key, text))
			}
		}
	}
	if dryRun, _ := event.Payload["dry_run"].(bool); dryRun {
		parts = append(parts, "dry_run")
	}
	detail := strings.Join(parts, " ")
	if detail == "" {
		detail = event.CreatedAt.Format(time.RFC3339)
	}
	return detail
}
