package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

// createTestRecord creates a completed run record with a best iteration.
func createTestRecord(runID string) *RunRecord {
	r := NewRunRecord(runID, StatusCompleted, 2.5, 100, RunConfig{
		MeshPath:     "meshes/roof.ply",
		LossType:     "compliance",
		Init:         "precomputed",
		Iterations:   100,
		LearningRate: 1e-3,
		Momentum:     0.9,
		Seed:         42,
		Terms:        map[string]float64{"laplacian_smoothing": 0.1},
	})
	r.SetBest(87, 1.25, map[string]float64{
		"best_iteration":                    87,
		"loss_at_best_iteration":            1.25,
		"structural_loss_at_best_iteration": 1.1,
	}, "out/[BEST]roof_87.ply")
	return r
}

func TestNewFSStore(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "data")

	if _, err := NewFSStore(base); err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if _, err := os.Stat(base); err != nil {
		t.Fatalf("Base directory was not created: %v", err)
	}
}

func TestSaveRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	runID := "run-123"
	if err := store.SaveRun(runID, createTestRecord(runID)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "runs", runID, "checkpoint.json")
	if _, err := os.Stat(expectedPath); err != nil {
		t.Fatalf("Record file was not created at %s", expectedPath)
	}
	if _, err := os.Stat(expectedPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file should not exist after save")
	}
}

func TestSaveRun_InvalidInput(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveRun("", createTestRecord("x")); err == nil {
		t.Error("Expected error for empty runID")
	}
	if err := store.SaveRun("x", nil); err == nil {
		t.Error("Expected error for nil record")
	}

	bad := createTestRecord("x")
	bad.Status = "running"
	var verr *ValidationError
	if err := store.SaveRun("x", bad); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestSaveRun_Overwrite(t *testing.T) {
	store, _ := setupTestStore(t)

	runID := "run-overwrite"
	first := createTestRecord(runID)
	first.Status = StatusCancelled
	second := createTestRecord(runID)

	if err := store.SaveRun(runID, first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := store.SaveRun(runID, second); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := store.LoadRun(runID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if loaded.Status != StatusCompleted {
		t.Errorf("Expected overwritten status %q, got %q", StatusCompleted, loaded.Status)
	}
}

func TestLoadRun(t *testing.T) {
	store, _ := setupTestStore(t)

	runID := "run-load"
	original := createTestRecord(runID)
	if err := store.SaveRun(runID, original); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	loaded, err := store.LoadRun(runID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}

	if loaded.RunID != original.RunID {
		t.Errorf("RunID mismatch: expected %s, got %s", original.RunID, loaded.RunID)
	}
	if loaded.BestLoss != original.BestLoss || loaded.BestIteration != original.BestIteration {
		t.Errorf("Best mismatch: expected %v@%d, got %v@%d",
			original.BestLoss, original.BestIteration, loaded.BestLoss, loaded.BestIteration)
	}
	if loaded.Summary["best_iteration"] != 87 {
		t.Errorf("Summary not restored: %v", loaded.Summary)
	}
	if loaded.BestMeshPath != original.BestMeshPath {
		t.Errorf("BestMeshPath mismatch: %q", loaded.BestMeshPath)
	}
	if loaded.Config.Terms["laplacian_smoothing"] != 0.1 {
		t.Errorf("Config terms not restored: %v", loaded.Config.Terms)
	}
	if !loaded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp mismatch: expected %v, got %v", original.Timestamp, loaded.Timestamp)
	}
}

func TestLoadRun_NonFiniteInitialLoss(t *testing.T) {
	store, _ := setupTestStore(t)

	r := NewRunRecord("nan-run", StatusCompleted, math.NaN(), 3, RunConfig{MeshPath: "m.ply", LossType: "energy"})
	if err := store.SaveRun(r.RunID, r); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	loaded, err := store.LoadRun(r.RunID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if !math.IsNaN(float64(loaded.InitialLoss)) {
		t.Errorf("Expected NaN initial loss, got %v", loaded.InitialLoss)
	}
	if !math.IsInf(float64(loaded.BestLoss), 1) || loaded.HasBest() {
		t.Errorf("Expected no best, got %v@%d", loaded.BestLoss, loaded.BestIteration)
	}
}

func TestLoadRun_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadRun("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}

	if _, err := store.LoadRun(""); err == nil {
		t.Error("Expected error for empty runID")
	}
}

func TestListRuns_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected 0 runs, got %d", len(infos))
	}
}

func TestListRuns_SortedAndSkipsInvalid(t *testing.T) {
	store, tempDir := setupTestStore(t)

	now := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		r := createTestRecord(id)
		r.Timestamp = now.Add(time.Duration(i) * time.Minute)
		if err := store.SaveRun(id, r); err != nil {
			t.Fatalf("SaveRun %s failed: %v", id, err)
		}
	}

	// A run directory without a record, a corrupted record and a stray file.
	if err := os.MkdirAll(filepath.Join(tempDir, "runs", "in-progress"), 0755); err != nil {
		t.Fatal(err)
	}
	corrupt := filepath.Join(tempDir, "runs", "corrupt")
	if err := os.MkdirAll(corrupt, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corrupt, "checkpoint.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "runs", "README"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(infos))
	}
	for i, want := range []string{"c", "a", "b"} {
		if infos[i].RunID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, infos[i].RunID)
		}
		if infos[i].MeshPath != "meshes/roof.ply" || infos[i].LossType != "compliance" {
			t.Errorf("Info %d has wrong config metadata: %+v", i, infos[i])
		}
	}
}

func TestDeleteRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	runID := "run-delete"
	if err := store.SaveRun(runID, createTestRecord(runID)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	tw, err := NewTraceWriter(tempDir, runID, false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRun(runID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "runs", runID)); !os.IsNotExist(err) {
		t.Error("Run directory still exists after delete")
	}
	if _, err := store.LoadRun(runID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError after delete, got %v", err)
	}

	if err := store.DeleteRun(runID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected NotFoundError for second delete, got %v", err)
	}
	if err := store.DeleteRun(""); err == nil {
		t.Error("Expected error for empty runID")
	}
}

func TestBestMeshPathIsPerRun(t *testing.T) {
	store, tempDir := setupTestStore(t)

	a, b := store.BestMeshPath("run-a"), store.BestMeshPath("run-b")
	if a == b {
		t.Fatalf("Expected distinct best mesh paths, got %s twice", a)
	}
	if want := filepath.Join(tempDir, "runs", "run-a", "best.ply"); a != want {
		t.Errorf("Expected %s, got %s", want, a)
	}
	if filepath.Dir(b) != store.RunDir("run-b") {
		t.Errorf("Best mesh %s outside run directory %s", b, store.RunDir("run-b"))
	}
}

func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("concurrent-%d", i)
			errs <- store.SaveRun(id, createTestRecord(id))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent save failed: %v", err)
		}
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 10 {
		t.Errorf("Expected 10 runs, got %d", len(infos))
	}
}
