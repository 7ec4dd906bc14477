package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/shapeopt/internal/store"
)

func runInfos(now time.Time) []store.RunInfo {
	return []store.RunInfo{
		{RunID: "run1", Timestamp: now.AddDate(0, 0, -10)}, // 10 days old
		{RunID: "run2", Timestamp: now.AddDate(0, 0, -5)},  // 5 days old
		{RunID: "run3", Timestamp: now.AddDate(0, 0, -1)},  // 1 day old
		{RunID: "run4", Timestamp: now.AddDate(0, 0, -30)}, // 30 days old
	}
}

func ids(infos []store.RunInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.RunID
	}
	return out
}

func TestSelectRunsForDeletion_ByAge(t *testing.T) {
	now := time.Now()
	got := ids(selectRunsForDeletion(runInfos(now), 0, 7, now))

	want := "run4,run1"
	if strings.Join(got, ",") != want {
		t.Errorf("Expected %s to be selected, got %v", want, got)
	}
}

func TestSelectRunsForDeletion_ByCount(t *testing.T) {
	now := time.Now()
	got := ids(selectRunsForDeletion(runInfos(now), 2, 0, now))

	// Oldest two go
	want := "run4,run1"
	if strings.Join(got, ",") != want {
		t.Errorf("Expected %s to be selected, got %v", want, got)
	}
}

func TestSelectRunsForDeletion_Combined(t *testing.T) {
	now := time.Now()
	infos := append(runInfos(now), store.RunInfo{RunID: "run5", Timestamp: now.AddDate(0, 0, -2)})

	// Age selects run4 and run1; keeping 2 adds run2. Nothing is listed twice.
	got := ids(selectRunsForDeletion(infos, 2, 7, now))
	want := "run4,run1,run2"
	if strings.Join(got, ",") != want {
		t.Errorf("Expected %s to be selected, got %v", want, got)
	}
}

func TestSelectRunsForDeletion_NothingMatches(t *testing.T) {
	now := time.Now()
	if got := selectRunsForDeletion(runInfos(now), 10, 60, now); len(got) != 0 {
		t.Errorf("Expected nothing to delete, got %v", ids(got))
	}
}

func TestSelectRunsForDeletion_DoesNotReorderInput(t *testing.T) {
	now := time.Now()
	infos := runInfos(now)
	selectRunsForDeletion(infos, 1, 0, now)
	if strings.Join(ids(infos), ",") != "run1,run2,run3,run4" {
		t.Errorf("Input was reordered: %v", ids(infos))
	}
}

func TestSampleTrace(t *testing.T) {
	entries := make([]store.TraceEntry, 100)
	for i := range entries {
		entries[i].Iteration = i
	}

	got := sampleTrace(entries, 20)
	if len(got) > 20 {
		t.Errorf("Expected at most 20 entries, got %d", len(got))
	}
	if got[0].Iteration != 0 || got[len(got)-1].Iteration != 99 {
		t.Errorf("Expected first and last iterations kept, got %d..%d", got[0].Iteration, got[len(got)-1].Iteration)
	}

	short := entries[:5]
	if len(sampleTrace(short, 20)) != 5 {
		t.Error("Expected short traces to be returned whole")
	}
}

func TestGetDirSize(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "test.txt")
	content := []byte("Hello, World!")
	if err := os.WriteFile(testFile, content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	size, err := getDirSize(tmpDir)
	if err != nil {
		t.Fatalf("getDirSize failed: %v", err)
	}
	if size < int64(len(content)) {
		t.Errorf("Expected size >= %d, got %d", len(content), size)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}

func saveRecords(t *testing.T, dataDir string, ages ...int) []string {
	t.Helper()
	st, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	var runIDs []string
	for i, days := range ages {
		id := "run-" + string(rune('a'+i))
		rec := store.NewRunRecord(id, store.StatusCompleted, 2, 10, store.RunConfig{
			MeshPath: "meshes/roof.ply",
			LossType: "compliance",
		})
		rec.SetBest(4, 1.5, map[string]float64{"best_iteration": 4}, "")
		rec.Timestamp = time.Now().AddDate(0, 0, -days)
		if err := st.SaveRun(id, rec); err != nil {
			t.Fatal(err)
		}
		runIDs = append(runIDs, id)
	}
	return runIDs
}

func TestRunsListCommand(t *testing.T) {
	dataDir := t.TempDir()

	out, err := executeCommand(t, "runs", "list", "--data-dir", dataDir)
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("Expected empty listing, got:\n%s", out)
	}

	saveRecords(t, dataDir, 3, 1)
	out, err = executeCommand(t, "runs", "list", "--data-dir", dataDir)
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	for _, want := range []string{"run-a", "run-b", "completed", "roof.ply", "Total runs: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in listing:\n%s", want, out)
		}
	}
}

func TestRunsShowCommand(t *testing.T) {
	dataDir := t.TempDir()
	saveRecords(t, dataDir, 0)

	tw, err := store.NewTraceWriter(dataDir, "run-a", false)
	if err != nil {
		t.Fatal(err)
	}
	for it := 0; it < 3; it++ {
		if err := tw.Log(it, map[string]float64{"loss": float64(3 - it), "structural_loss": 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(t, "runs", "show", "run-a", "--data-dir", dataDir)
	if err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	for _, want := range []string{"Run:          run-a", "Best loss:    1.5 (iteration 4)", "best_iteration", "Trace:", "ITERATION"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	if _, err := executeCommand(t, "runs", "show", "missing", "--data-dir", dataDir); err == nil {
		t.Error("Expected error for unknown run")
	}
}

func TestRunsCleanCommand(t *testing.T) {
	dataDir := t.TempDir()
	saveRecords(t, dataDir, 30, 20, 1)

	if _, err := executeCommand(t, "runs", "clean", "--data-dir", dataDir); err == nil {
		t.Error("Expected error without a retention rule")
	}

	out, err := executeCommandWithInput(t, "n\n", "runs", "clean", "--older-than", "7", "--data-dir", dataDir)
	if err != nil {
		t.Fatalf("runs clean failed: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("Expected abort, got:\n%s", out)
	}

	out, err = executeCommand(t, "runs", "clean", "--older-than", "7", "--force", "--data-dir", dataDir)
	if err != nil {
		t.Fatalf("runs clean failed: %v", err)
	}
	if !strings.Contains(out, "Deleted 2 run(s), 0 failed.") {
		t.Errorf("Unexpected output:\n%s", out)
	}

	st, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	left, err := st.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].RunID != "run-c" {
		t.Errorf("Expected only run-c to remain, got %v", ids(left))
	}
}
