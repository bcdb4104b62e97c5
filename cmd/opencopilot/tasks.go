package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"opencopilot/internal/clock"
	"opencopilot/internal/db"
	"opencopilot/internal/task"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect agent tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks for an installation",
	RunE:  runTasksList,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <owner> <repo> <issue>",
	Short: "Show one task including its plan",
	Args:  cobra.ExactArgs(3),
	RunE:  runTasksGet,
}

var tasksInstallation int64

func init() {
	tasksListCmd.Flags().Int64Var(&tasksInstallation, "installation", 0, "installation id to list tasks for")
	_ = tasksListCmd.MarkFlagRequired("installation")

	tasksCmd.AddCommand(tasksListCmd, tasksGetCmd)
	rootCmd.AddCommand(tasksCmd)
}

// openStore opens the configured SQL store for CLI inspection. The memory
// backend has nothing to inspect from a separate process.
func openStore() (db.Store, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if settings.DatabaseConnection == "" {
		return nil, fmt.Errorf("database.connection is not configured; the in-memory backend cannot be inspected")
	}
	return db.Open(settings.DatabaseConnection, clock.System{})
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListByInstallation(cmd.Context(), tasksInstallation)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tUPDATED\tLAST ERROR")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.UpdatedAt.Format("2006-01-02 15:04:05"), t.LastError)
	}
	return w.Flush()
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	issue, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("issue must be a number: %w", err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.Get(cmd.Context(), task.ID(args[0], args[1], issue))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}
