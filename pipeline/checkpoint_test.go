package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"gonum.org/v1/gonum/mat"

	"github.com/canidatlas/sc/expr"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	m, err := expr.New(
		[]string{"G0", "G1"},
		[]string{"s1_a", "s1_b"},
		[]expr.Entry{
			{Gene: 0, Cell: 0, Value: 3},
			{Gene: 1, Cell: 0, Value: 1},
			{Gene: 0, Cell: 1, Value: 2},
		})
	assert.NoError(t, err)
	meta, err := expr.NewCellMeta([]string{"s1_a", "s1_b"})
	assert.NoError(t, err)
	meta.Sample[0], meta.Sample[1] = "s1", "s1"
	assert.NoError(t, meta.SetClusterRows(expr.Resolution(0.8), []int{0, 1}))
	feats, err := expr.NewFeatureMeta([]string{"G0", "G1"})
	assert.NoError(t, err)
	feats.Rank[0], feats.Selected[0] = 1, true
	return &Snapshot{
		Stage:    StageClustered,
		Counts:   m,
		LogNorm:  m,
		Meta:     meta,
		Features: feats,
		PCs:      mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
		NPCs:     2,
		Layout:   mat.NewDense(2, 2, []float64{-1, 0, 1, 0}),
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	snap := testSnapshot(t)
	path := CheckpointPath(tmpdir, snap.Stage)
	assert.NoError(t, SaveCheckpoint(ctx, path, snap))

	got, err := LoadCheckpoint(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, got.Stage, StageClustered)
	expect.EQ(t, got.NPCs, 2)
	expect.EQ(t, got.Counts.Genes(), snap.Counts.Genes())
	expect.EQ(t, got.Counts.Cells(), snap.Counts.Cells())
	expect.EQ(t, got.Counts.At(0, 0), 3.0)
	expect.EQ(t, got.Counts.At(1, 1), 0.0)
	expect.EQ(t, got.Meta.Sample, []string{"s1", "s1"})
	labels, ok := got.Meta.ClustersAt(expr.Resolution(0.8))
	expect.True(t, ok)
	expect.EQ(t, labels, []int{0, 1})
	expect.EQ(t, got.Features.SelectedIndices(), []int{0})
	expect.EQ(t, got.PCs.RawMatrix().Data, snap.PCs.RawMatrix().Data)
	expect.EQ(t, got.Layout.RawMatrix().Data, snap.Layout.RawMatrix().Data)
}

func TestLoadCheckpointCorrupt(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	snap := testSnapshot(t)
	path := CheckpointPath(tmpdir, snap.Stage)
	assert.NoError(t, SaveCheckpoint(ctx, path, snap))

	// Flip a byte in the middle of the file. Either the recordio layer or
	// the checksum catches it, but never a silent bad decode.
	raw, err := os.ReadFile(path)
	assert.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	assert.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = LoadCheckpoint(ctx, path)
	if err == nil {
		t.Fatal("corrupt checkpoint loaded without error")
	}
}

func TestLoadCheckpointTruncated(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	path := filepath.Join(tmpdir, "empty.ckpt.rio")
	assert.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := LoadCheckpoint(ctx, path)
	expect.HasSubstr(t, err.Error(), "empty or unreadable checkpoint")
}

func TestCheckpointPath(t *testing.T) {
	expect.EQ(t, CheckpointPath("/run/x", StageMerged), "/run/x/merged.ckpt.rio")
}
