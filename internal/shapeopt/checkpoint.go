package shapeopt

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/shapeopt/internal/mesh"
)

// MeshWriter is the mesh-I/O collaborator used for checkpoints.
type MeshWriter interface {
	WriteMesh(m *mesh.Mesh, filename string, quality []float64) error
}

// Emitter decides when checkpoint meshes are written and under which name.
type Emitter struct {
	Writer   MeshWriter
	Enabled  bool
	Interval int
	Prefix   string
	Label    string
}

// Due reports whether iteration it gets a periodic checkpoint.
func (e *Emitter) Due(it int) bool {
	return e.Enabled && e.Interval > 0 && it%e.Interval == 0
}

// IterationFilename is {prefix}{label}_{iteration}.ply.
func (e *Emitter) IterationFilename(it int) string {
	return fmt.Sprintf("%s%s_%d.ply", e.Prefix, e.Label, it)
}

// BestFilename is {prefix}[BEST]{label}_{iteration}.ply.
func (e *Emitter) BestFilename(it int) string {
	return fmt.Sprintf("%s[BEST]%s_%d.ply", e.Prefix, e.Label, it)
}

// EmitIteration writes the candidate mesh of iteration it.
func (e *Emitter) EmitIteration(it int, ev *Evaluation) error {
	name := e.IterationFilename(it)
	if err := e.Writer.WriteMesh(ev.Mesh, name, ev.Quality); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", name, err)
	}
	slog.Debug("Checkpoint written", "iteration", it, "path", name)
	return nil
}

// EmitBest writes the best snapshot.
func (e *Emitter) EmitBest(s *Snapshot) error {
	if s == nil || s.Mesh == nil {
		return fmt.Errorf("no best mesh to write")
	}
	name := e.BestFilename(s.Iteration)
	if err := e.Writer.WriteMesh(s.Mesh, name, s.Quality); err != nil {
		return fmt.Errorf("failed to write best mesh %s: %w", name, err)
	}
	slog.Info("Best mesh written", "iteration", s.Iteration, "loss", s.Record.Total, "path", name)
	return nil
}
