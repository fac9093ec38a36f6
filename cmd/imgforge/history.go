package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sigreer/imgforge/internal/journal"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent provisioning runs",
	Args:  cobra.NoArgs,
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of runs to show")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
	historyCmd.Flags().Bool("stages", false, "include stage outcomes")
}

type historyEntry struct {
	*journal.Run
	Stages []*journal.StageEvent `json:"stages,omitempty"`
}

func runHistory(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOut, _ := cmd.Flags().GetBool("json")
	withStages, _ := cmd.Flags().GetBool("stages")

	a := setup(false)
	defer a.close()

	if a.journal == nil {
		fmt.Fprintf(os.Stderr, "Error: journal %s is not available\n", a.cfg.Journal.Path)
		os.Exit(1)
	}

	runs, err := a.journal.RecentRuns(limit)
	if err != nil {
		fail(a, err)
	}

	entries := make([]historyEntry, 0, len(runs))
	for _, run := range runs {
		entry := historyEntry{Run: run}
		if withStages || jsonOut {
			entry.Stages, err = a.journal.Stages(run.ID)
			if err != nil {
				fail(a, err)
			}
		}
		entries = append(entries, entry)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fail(a, err)
		}
		return
	}

	if len(entries) == 0 {
		fmt.Println("No runs recorded")
		return
	}

	fmt.Printf("%-5s %-12s %-8s %-16s %-24s %s\n", "ID", "COMMAND", "STATUS", "STARTED", "TARGET", "DEVICE")
	for _, e := range entries {
		fmt.Printf("%-5d %-12s %s %-16s %-24s %s\n",
			e.ID, e.Command, statusColor(e.Status), humanize.Time(e.StartedAt), e.Target, e.Device)
		if e.Error != "" {
			fmt.Printf("      %s\n", e.Error)
		}
		for _, s := range e.Stages {
			fmt.Printf("      %-8s %s\n", s.Stage, s.Outcome)
		}
	}
}

func statusColor(status string) string {
	switch status {
	case journal.StatusOK:
		return color.GreenString("%-8s", status)
	case journal.StatusFailed:
		return color.RedString("%-8s", status)
	case journal.StatusAborted:
		return color.YellowString("%-8s", status)
	default:
		return fmt.Sprintf("%-8s", status)
	}
}
