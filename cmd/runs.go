package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/shapeopt/internal/shapeopt"
	"github.com/cwbudde/shapeopt/internal/store"
	"github.com/spf13/cobra"
)

var (
	runsDataDir   string
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage recorded optimization runs",
	Long: `Inspect and clean the run records written by "shapeopt run". A completed run
can be continued with "shapeopt run --continue <id>".`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all recorded runs",
	Long:  `Display all runs with run ID, status, timestamp, iterations, best loss and size on disk.`,
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run record and its loss trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var cleanRunsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old runs",
	Long: `Delete old run records and traces based on retention policy.
Checkpoint meshes written next to the input are not touched.`,
	RunE: runCleanRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(showRunCmd)
	runsCmd.AddCommand(cleanRunsCmd)

	runsCmd.PersistentFlags().StringVar(&runsDataDir, "data-dir", "./data", "Base directory for run records")

	cleanRunsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recent runs (0 = keep all)")
	cleanRunsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanRunsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func runListRuns(cmd *cobra.Command, args []string) error {
	runStore, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	infos, err := runStore.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tTIMESTAMP\tITERATIONS\tBEST LOSS\tBEST ITER\tMESH\tSIZE")
	fmt.Fprintln(w, "------\t------\t---------\t----------\t---------\t---------\t----\t----")

	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(runStore.RunDir(info.RunID)); err == nil {
			sizeStr = formatBytes(size)
		}

		best, bestIter := "-", "-"
		if info.BestIteration >= 0 {
			best = fmt.Sprintf("%.6g", float64(info.BestLoss))
			bestIter = fmt.Sprintf("%d", info.BestIteration)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(info.RunID),
			info.Status,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Iterations,
			best,
			bestIter,
			filepath.Base(info.MeshPath),
			sizeStr,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	runID := args[0]
	runStore, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	rec, err := runStore.LoadRun(runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:          %s\n", rec.RunID)
	fmt.Fprintf(out, "Status:       %s\n", rec.Status)
	fmt.Fprintf(out, "Timestamp:    %s\n", rec.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "Mesh:         %s\n", rec.Config.MeshPath)
	fmt.Fprintf(out, "Loss:         %s\n", rec.Config.LossType)
	fmt.Fprintf(out, "Settings:     lr=%g momentum=%g init=%s seed=%d\n",
		rec.Config.LearningRate, rec.Config.Momentum, rec.Config.Init, rec.Config.Seed)
	if rec.Config.ContinuedOf != "" {
		fmt.Fprintf(out, "Continued of: %s\n", rec.Config.ContinuedOf)
	}
	fmt.Fprintf(out, "Iterations:   %d\n", rec.Iterations)
	fmt.Fprintf(out, "Initial loss: %.6g\n", float64(rec.InitialLoss))
	if rec.HasBest() {
		fmt.Fprintf(out, "Best loss:    %.6g (iteration %d)\n", float64(rec.BestLoss), rec.BestIteration)
		if rec.BestMeshPath != "" {
			fmt.Fprintf(out, "Best mesh:    %s\n", rec.BestMeshPath)
		}
	} else {
		fmt.Fprintln(out, "Best loss:    none")
	}

	if len(rec.Summary) > 0 {
		keys := make([]string, 0, len(rec.Summary))
		for k := range rec.Summary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "\nSummary:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%.6g\n", k, float64(rec.Summary[k]))
		}
		w.Flush()
	}

	reader, err := store.NewTraceReader(runsDataDir, runID)
	if err != nil {
		slog.Debug("No trace for run", "run_id", runID, "error", err)
		return nil
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nTrace:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITERATION\tLOSS\tSTRUCTURAL LOSS\tMAX DISPLACEMENT")
	for _, e := range sampleTrace(entries, 20) {
		fmt.Fprintf(w, "%d\t%.6g\t%.6g\t%.4g\n",
			e.Iteration,
			float64(e.Loss),
			float64(e.Metrics[shapeopt.MetricStructuralLoss]),
			float64(e.Metrics[shapeopt.MetricMaxDisplacementNorm]),
		)
	}
	w.Flush()
	return nil
}

// sampleTrace picks at most n evenly spaced entries, always keeping the last.
func sampleTrace(entries []store.TraceEntry, n int) []store.TraceEntry {
	if len(entries) <= n {
		return entries
	}
	step := (len(entries) + n - 2) / (n - 1)
	var out []store.TraceEntry
	for i := 0; i < len(entries)-1; i += step {
		out = append(out, entries[i])
	}
	return append(out, entries[len(entries)-1])
}

func runCleanRuns(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	runStore, err := store.NewFSStore(runsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}

	infos, err := runStore.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No runs to clean.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No runs match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %s)\n",
			shortID(info.RunID),
			info.Status,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := runStore.DeleteRun(info.RunID); err != nil {
			slog.Error("Failed to delete run", "run_id", info.RunID, "error", err)
			failed++
		} else {
			slog.Info("Deleted run", "run_id", info.RunID)
			deleted++
		}
	}

	fmt.Fprintf(out, "\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion returns the runs older than olderThanDays plus all but
// the keepLast most recent, oldest first. Zero disables either rule.
func selectRunsForDeletion(infos []store.RunInfo, keepLast, olderThanDays int, now time.Time) []store.RunInfo {
	sorted := make([]store.RunInfo, len(infos))
	copy(sorted, infos)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cutoff := now.AddDate(0, 0, -olderThanDays)
	excess := 0
	if keepLast > 0 && len(sorted) > keepLast {
		excess = len(sorted) - keepLast
	}

	var toDelete []store.RunInfo
	for i, info := range sorted {
		if i < excess || (olderThanDays > 0 && info.Timestamp.Before(cutoff)) {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
