package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"opencopilot/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	RunE:  runAuditQuery,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit entries older than the retention window",
	RunE:  runAuditPrune,
}

var (
	auditEventType     string
	auditCorrelationID string
	auditSince         string
	auditUntil         string
	auditLimit         int
	auditRetention     time.Duration
)

func init() {
	auditCmd.Flags().StringVar(&auditEventType, "event-type", "", "filter by event type")
	auditCmd.Flags().StringVar(&auditCorrelationID, "correlation-id", "", "filter by correlation id (task id)")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only entries at or after this RFC 3339 timestamp")
	auditCmd.Flags().StringVar(&auditUntil, "until", "", "only entries at or before this RFC 3339 timestamp")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "maximum entries to return (default 100, cap 1000)")

	auditPruneCmd.Flags().DurationVar(&auditRetention, "retention", 720*time.Hour, "keep entries newer than this")

	auditCmd.AddCommand(auditPruneCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditQuery(cmd *cobra.Command, _ []string) error {
	filter := audit.Filter{
		EventType:     audit.EventType(auditEventType),
		CorrelationID: auditCorrelationID,
		Limit:         auditLimit,
	}
	var err error
	if filter.Start, err = parseAuditTime(auditSince); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if filter.End, err = parseAuditTime(auditUntil); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tEVENT\tCORRELATION\tRESULT\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.EventType, e.CorrelationID, e.Result, e.Description)
	}
	return w.Flush()
}

func runAuditPrune(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.DeleteOlderThan(cmd.Context(), auditRetention)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d audit entries older than %s\n", removed, auditRetention)
	return nil
}

func parseAuditTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
