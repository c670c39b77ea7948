// Package pipeline provides the immutable stage snapshot passed between
// analysis stages, checkpointing of snapshots to recordio files, and
// tabular result export.
//
// Each stage consumes one Snapshot and returns a new one; nothing mutates
// a snapshot in place. That keeps per-sample work safely parallel and
// lets a long run resume from the last checkpoint.
package pipeline

import (
	"gonum.org/v1/gonum/mat"

	"github.com/canidatlas/sc/expr"
)

// Stage names checkpoints on disk.
type Stage string

const (
	StageMerged     Stage = "merged"
	StageFiltered   Stage = "filtered"
	StageDoublets   Stage = "doublets"
	StageNormalized Stage = "normalized"
	StageReduced    Stage = "reduced"
	StageClustered  Stage = "clustered"
	StageAnnotated  Stage = "annotated"
)

// Snapshot is the full analysis state after a stage.
type Snapshot struct {
	Stage Stage
	// Counts is the raw count matrix at this stage's filtering level.
	Counts *expr.Matrix
	// LogNorm is the log-normalized matrix, nil before normalization.
	LogNorm  *expr.Matrix
	Meta     *expr.CellMeta
	Features *expr.FeatureMeta
	// PCs is the cells × components embedding, nil before reduction.
	PCs *mat.Dense
	// NPCs is the selected informative component count.
	NPCs int
	// Layout is the cells × 2 visualization embedding, nil before embed.
	Layout *mat.Dense
}

// Derive returns a copy of s advanced to the given stage. Fields updated by
// the stage are set by the caller on the returned value before it escapes;
// the receiver is never modified.
func (s *Snapshot) Derive(stage Stage) *Snapshot {
	n := *s
	n.Stage = stage
	return &n
}
