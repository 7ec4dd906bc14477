package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Float is a float64 whose JSON form also covers NaN and ±Inf, encoded as
// the strings "NaN", "+Inf" and "-Inf".
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid float %q: %w", s, err)
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Floats converts a metric mapping for serialization.
func Floats(m map[string]float64) map[string]Float {
	if m == nil {
		return nil
	}
	out := make(map[string]Float, len(m))
	for k, v := range m {
		out[k] = Float(v)
	}
	return out
}

// RunConfig is the part of a run configuration kept with its record.
// It is a copy so the store does not depend on the config package.
type RunConfig struct {
	MeshPath     string             `json:"meshPath"`
	LossType     string             `json:"lossType"`
	Init         string             `json:"init"`
	Iterations   int                `json:"iterations"`
	LearningRate float64            `json:"learningRate"`
	Momentum     float64            `json:"momentum"`
	Seed         int64              `json:"seed"`
	Terms        map[string]float64 `json:"terms,omitempty"` // enabled term -> percentage
	BoundaryReg  bool               `json:"boundaryReg,omitempty"`
	ContinuedOf  string             `json:"continuedOf,omitempty"`
}

// RunRecord is the persisted outcome of one optimization run.
//
// Only the best state is kept: its metrics summary and, when checkpointing
// was enabled, the path of the best mesh. The displacement parameter and
// optimizer velocity are not saved; a warm start re-seeds both from the
// best mesh.
type RunRecord struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`

	InitialLoss   Float `json:"initialLoss"`
	BestLoss      Float `json:"bestLoss"`
	BestIteration int   `json:"bestIteration"`

	// Iterations is the number of iterations that completed.
	Iterations int `json:"iterations"`

	// Summary holds best_iteration and the <metric>_at_best_iteration values.
	Summary map[string]Float `json:"summary,omitempty"`

	// BestMeshPath is empty when checkpointing was disabled.
	BestMeshPath string `json:"bestMeshPath,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Config    RunConfig `json:"config"`
}

// RunInfo contains the listing metadata of a run.
type RunInfo struct {
	RunID         string    `json:"runId"`
	Status        string    `json:"status"`
	BestLoss      Float     `json:"bestLoss"`
	BestIteration int       `json:"bestIteration"`
	Iterations    int       `json:"iterations"`
	Timestamp     time.Time `json:"timestamp"`
	MeshPath      string    `json:"meshPath"`
	LossType      string    `json:"lossType"`
}

// NewRunRecord creates a record timestamped now.
func NewRunRecord(runID, status string, initialLoss float64, iterations int, config RunConfig) *RunRecord {
	return &RunRecord{
		RunID:         runID,
		Status:        status,
		InitialLoss:   Float(initialLoss),
		BestLoss:      Float(math.Inf(1)),
		BestIteration: -1,
		Iterations:    iterations,
		Timestamp:     time.Now(),
		Config:        config,
	}
}

// SetBest stores the best-iteration summary.
func (r *RunRecord) SetBest(iteration int, loss float64, summary map[string]float64, meshPath string) {
	r.BestIteration = iteration
	r.BestLoss = Float(loss)
	r.BestMeshPath = meshPath
	r.Summary = Floats(summary)
}

// HasBest reports whether a best iteration was recorded.
func (r *RunRecord) HasBest() bool { return r.BestIteration >= 0 }

// ToInfo converts a record to its listing metadata.
func (r *RunRecord) ToInfo() RunInfo {
	return RunInfo{
		RunID:         r.RunID,
		Status:        r.Status,
		BestLoss:      r.BestLoss,
		BestIteration: r.BestIteration,
		Iterations:    r.Iterations,
		Timestamp:     r.Timestamp,
		MeshPath:      r.Config.MeshPath,
		LossType:      r.Config.LossType,
	}
}

// Validate checks if the record has valid data.
func (r *RunRecord) Validate() error {
	if r.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	switch r.Status {
	case StatusCompleted, StatusCancelled:
	default:
		return &ValidationError{Field: "Status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Iterations < 0 {
		return &ValidationError{Field: "Iterations", Reason: "cannot be negative"}
	}
	if r.BestIteration >= r.Iterations && r.HasBest() {
		return &ValidationError{
			Field:  "BestIteration",
			Reason: fmt.Sprintf("%d is outside the %d completed iterations", r.BestIteration, r.Iterations),
		}
	}
	if r.HasBest() && (math.IsNaN(float64(r.BestLoss)) || math.IsInf(float64(r.BestLoss), 0)) {
		return &ValidationError{Field: "BestLoss", Reason: "must be finite"}
	}
	if !r.HasBest() && r.BestMeshPath != "" {
		return &ValidationError{Field: "BestMeshPath", Reason: "set without a best iteration"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if r.Config.MeshPath == "" {
		return &ValidationError{Field: "Config.MeshPath", Reason: "cannot be empty"}
	}
	if r.Config.LossType == "" {
		return &ValidationError{Field: "Config.LossType", Reason: "cannot be empty"}
	}
	if r.Config.Iterations < 0 {
		return &ValidationError{Field: "Config.Iterations", Reason: "cannot be negative"}
	}
	return nil
}

// ValidationError represents a record validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks whether a new run with config can warm start from this
// record: both must optimize the same input mesh for the same loss.
func (r *RunRecord) IsCompatible(config RunConfig) error {
	if r.Config.MeshPath != config.MeshPath {
		return &CompatibilityError{
			Field:    "MeshPath",
			Expected: r.Config.MeshPath,
			Actual:   config.MeshPath,
		}
	}
	if r.Config.LossType != config.LossType {
		return &CompatibilityError{
			Field:    "LossType",
			Expected: r.Config.LossType,
			Actual:   config.LossType,
		}
	}
	if r.BestMeshPath == "" {
		return &CompatibilityError{
			Field:    "BestMeshPath",
			Expected: "a saved best mesh",
			Actual:   "none",
		}
	}
	return nil
}

// CompatibilityError represents a warm-start compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
