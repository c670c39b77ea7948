package main

/*
sc-atlas runs the full single-cell analysis pipeline over one or more
sample directories in matrix-market layout: merge, QC filtering, per-sample
doublet removal, normalization, feature selection, dimensionality reduction
(with batch integration when more than one sample is given), graph
clustering across a resolution sweep, 2-D layout, marker detection, and
optionally reference label transfer, gene-set enrichment and trajectory
inference.

Each stage checkpoints its state under the run directory; -resume picks up
from the most recent checkpoint instead of recomputing earlier stages.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"gonum.org/v1/gonum/mat"

	"github.com/canidatlas/sc/annotate"
	"github.com/canidatlas/sc/cluster"
	"github.com/canidatlas/sc/doublet"
	"github.com/canidatlas/sc/embed"
	"github.com/canidatlas/sc/encoding/mtx"
	"github.com/canidatlas/sc/expr"
	"github.com/canidatlas/sc/geneset"
	"github.com/canidatlas/sc/neighbors"
	"github.com/canidatlas/sc/normalize"
	"github.com/canidatlas/sc/pipeline"
	"github.com/canidatlas/sc/qc"
	"github.com/canidatlas/sc/reduce"
	"github.com/canidatlas/sc/trajectory"
)

var (
	runDir = flag.String("run-dir", "sc-atlas", "Directory for checkpoints and result tables")
	resume = flag.Bool("resume", false, "Resume from the most recent checkpoint in -run-dir")

	mitoPrefix    = flag.String("mito-prefix", qc.DefaultOpts.MitoPrefix, "Identifier prefix marking mitochondrial genes")
	minUMI        = flag.Float64("min-umi", qc.DefaultOpts.MinUMI, "Minimum transcripts per cell")
	maxUMI        = flag.Float64("max-umi", qc.DefaultOpts.MaxUMI, "Maximum transcripts per cell; 0 disables")
	minGene       = flag.Int("min-gene", qc.DefaultOpts.MinGene, "Minimum detected genes per cell")
	maxMito       = flag.Float64("max-mito", qc.DefaultOpts.MaxMitoFrac, "Maximum mitochondrial transcript fraction")
	minComplexity = flag.Float64("min-complexity", qc.DefaultOpts.MinComplexity, "Minimum log10(genes)/log10(UMIs)")
	minCellsGene  = flag.Int("min-cells-per-gene", qc.DefaultOpts.MinCellsPerGene, "Drop genes detected in fewer cells")

	scaleFactor = flag.Float64("scale-factor", normalize.DefaultScaleFactor, "Library-size scale factor for log normalization")
	nVarGenes   = flag.Int("variable-genes", 2000, "Number of highly variable genes")
	maxPCs      = flag.Int("max-pcs", 50, "Upper bound on principal components")
	graphK      = flag.Int("graph-k", 20, "Neighbor count for the SNN graph")

	resolutionsFlag = flag.String("resolutions", "0.4,0.8,1.2", "Comma-separated clustering resolutions to sweep")
	primaryResFlag  = flag.Float64("resolution", 0.8, "Resolution used for annotation, markers and trajectory; must appear in -resolutions")

	refPath     = flag.String("reference", "", "Reference expression TSV for label transfer (optional)")
	gmtPath     = flag.String("gene-sets", "", "GMT file for per-cluster enrichment (optional)")
	rootCluster = flag.Int("root-cluster", -1, "Root cluster for trajectory inference; negative disables")

	seed = flag.Uint64("seed", 1, "Random seed for all stochastic stages")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] sampledir [sampledir ...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

// stageOrder fixes the resume ordering of checkpoints.
var stageOrder = []pipeline.Stage{
	pipeline.StageMerged,
	pipeline.StageFiltered,
	pipeline.StageDoublets,
	pipeline.StageNormalized,
	pipeline.StageReduced,
	pipeline.StageClustered,
	pipeline.StageAnnotated,
}

func stageIndex(s pipeline.Stage) int {
	for i, v := range stageOrder {
		if v == s {
			return i
		}
	}
	return -1
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	dirs := flag.Args()
	if len(dirs) == 0 {
		log.Fatalf("No sample directories given; run with -help for usage")
	}
	resolutions, err := parseResolutions(*resolutionsFlag)
	if err != nil {
		log.Fatalf("-resolutions: %v", err)
	}
	primaryRes := expr.Resolution(*primaryResFlag)
	if !containsResolution(resolutions, primaryRes) {
		log.Fatalf("-resolution %v is not in -resolutions %q", primaryRes, *resolutionsFlag)
	}
	ctx := vcontext.Background()

	var snap *pipeline.Snapshot
	if *resume {
		snap = latestCheckpoint(ctx, *runDir)
	}
	at := -1
	if snap != nil {
		at = stageIndex(snap.Stage)
		log.Printf("Resuming after stage %s", snap.Stage)
	}

	// The doublet stage needs per-sample raw counts, which only exist
	// before merging. Load them only when that stage will still run.
	var samples []expr.Sample
	if at < stageIndex(pipeline.StageDoublets) {
		samples = loadSamples(ctx, dirs)
	}

	if at < stageIndex(pipeline.StageMerged) {
		snap = stageMerge(ctx, samples)
		save(ctx, snap)
	}
	if at < stageIndex(pipeline.StageFiltered) {
		snap = stageFilter(ctx, snap)
		save(ctx, snap)
	}
	if at < stageIndex(pipeline.StageDoublets) {
		snap = stageDoublets(ctx, snap, samples)
		save(ctx, snap)
	}
	if at < stageIndex(pipeline.StageNormalized) {
		snap = stageNormalize(ctx, snap)
		save(ctx, snap)
	}
	if at < stageIndex(pipeline.StageReduced) {
		snap = stageReduce(ctx, snap)
		save(ctx, snap)
	}
	if at < stageIndex(pipeline.StageClustered) {
		snap = stageCluster(ctx, snap, resolutions)
		save(ctx, snap)
	}
	if at < stageIndex(pipeline.StageAnnotated) {
		snap = stageAnnotate(ctx, snap, primaryRes)
		save(ctx, snap)
	}

	metaPath := file.Join(*runDir, "cell_meta.tsv")
	if err := pipeline.WriteCellMetaTSV(ctx, metaPath, snap, primaryRes); err != nil {
		log.Fatalf("%s: %v", metaPath, err)
	}
	log.Printf("Wrote %s", metaPath)
}

func loadSamples(ctx context.Context, dirs []string) []expr.Sample {
	samples := make([]expr.Sample, 0, len(dirs))
	seen := map[string]string{}
	for _, dir := range dirs {
		counts, err := mtx.ReadSampleDir(ctx, dir)
		if err != nil {
			log.Fatalf("%s: %v", dir, err)
		}
		id := mtx.SampleID(dir)
		if prev, ok := seen[id]; ok {
			log.Fatalf("Sample ID %q appears twice (%s and %s); rename one directory", id, prev, dir)
		}
		seen[id] = dir
		samples = append(samples, expr.Sample{ID: id, Counts: counts})
		log.Printf("%s: %d genes x %d cells", id, counts.NGenes(), counts.NCells())
	}
	return samples
}

func stageMerge(ctx context.Context, samples []expr.Sample) *pipeline.Snapshot {
	counts, origin, err := expr.MergeColumns(samples)
	if err != nil {
		log.Fatalf("merge: %v", err)
	}
	meta, err := expr.NewCellMeta(counts.Cells())
	if err != nil {
		log.Fatalf("merge: %v", err)
	}
	copy(meta.Sample, origin)
	log.Printf("Merged %d sample(s): %d genes x %d cells", len(samples), counts.NGenes(), counts.NCells())
	return &pipeline.Snapshot{Stage: pipeline.StageMerged, Counts: counts, Meta: meta}
}

func stageFilter(ctx context.Context, snap *pipeline.Snapshot) *pipeline.Snapshot {
	opts := qc.Opts{
		MitoPrefix:      *mitoPrefix,
		MinUMI:          *minUMI,
		MaxUMI:          *maxUMI,
		MinGene:         *minGene,
		MaxMitoFrac:     *maxMito,
		MinComplexity:   *minComplexity,
		MinCellsPerGene: *minCellsGene,
	}
	if err := qc.ComputeMetrics(snap.Counts, snap.Meta, opts); err != nil {
		log.Fatalf("qc: %v", err)
	}
	counts, meta, stats, err := qc.Filter(snap.Counts, snap.Meta, opts)
	if err != nil {
		log.Fatalf("qc: %v", err)
	}
	log.Printf("QC: kept %d/%d cells, %d/%d genes", stats.CellsKept, stats.CellsIn, stats.GenesKept, stats.GenesIn)
	n := snap.Derive(pipeline.StageFiltered)
	n.Counts = counts
	n.Meta = meta
	return n
}

func stageDoublets(ctx context.Context, snap *pipeline.Snapshot, samples []expr.Sample) *pipeline.Snapshot {
	// Doublet scores come from per-sample raw counts restricted to the
	// cells that survived QC; cross-sample alignment would corrupt them.
	qcSamples := make([]expr.Sample, 0, len(samples))
	for _, s := range samples {
		var keep []int
		for i, cell := range s.Counts.Cells() {
			if _, ok := snap.Counts.CellIndex(s.ID + "_" + cell); ok {
				keep = append(keep, i)
			}
		}
		if len(keep) == 0 {
			log.Printf("%s: no cells survived QC, skipping doublet detection", s.ID)
			continue
		}
		sub, err := s.Counts.SubsetCells(keep)
		if err != nil {
			log.Fatalf("%s: %v", s.ID, err)
		}
		qcSamples = append(qcSamples, expr.Sample{ID: s.ID, Counts: sub})
	}
	opts := doublet.DefaultOpts
	opts.Seed = *seed
	batch := doublet.DetectBatch(qcSamples, opts)
	if err := batch.Err(); err != nil {
		log.Fatalf("doublet: %v", err)
	}
	if err := doublet.MergeCalls(snap.Meta, batch.Results); err != nil {
		log.Fatalf("doublet: %v", err)
	}
	var keep []int
	for i, call := range snap.Meta.DoubletCalls() {
		if call != expr.Doublet {
			keep = append(keep, i)
		}
	}
	removed := snap.Meta.Len() - len(keep)
	counts, err := snap.Counts.SubsetCells(keep)
	if err != nil {
		log.Fatalf("doublet: %v", err)
	}
	meta, err := snap.Meta.Subset(keep)
	if err != nil {
		log.Fatalf("doublet: %v", err)
	}
	log.Printf("Doublets: removed %d of %d cells", removed, snap.Meta.Len())
	n := snap.Derive(pipeline.StageDoublets)
	n.Counts = counts
	n.Meta = meta
	return n
}

func stageNormalize(ctx context.Context, snap *pipeline.Snapshot) *pipeline.Snapshot {
	lognorm, err := normalize.LogNormalize(snap.Counts, *scaleFactor)
	if err != nil {
		log.Fatalf("normalize: %v", err)
	}
	features, err := normalize.SelectVariableFeatures(snap.Counts, *nVarGenes)
	if err != nil {
		log.Fatalf("normalize: %v", err)
	}
	n := snap.Derive(pipeline.StageNormalized)
	n.LogNorm = lognorm
	n.Features = features
	return n
}

func stageReduce(ctx context.Context, snap *pipeline.Snapshot) *pipeline.Snapshot {
	scaled, err := normalize.Scale(snap.LogNorm, snap.Features.SelectedIndices(), normalize.DefaultMaxScaled)
	if err != nil {
		log.Fatalf("reduce: %v", err)
	}
	pca, err := reduce.Fit(scaled, *maxPCs)
	if err != nil {
		log.Fatalf("reduce: %v", err)
	}
	nPCs := reduce.SelectPCs(pca.Explained, reduce.DefaultFallbackPCs)
	log.Printf("Reduce: using %d principal components", nPCs)

	n := snap.Derive(pipeline.StageReduced)
	n.NPCs = nPCs
	blocks := sampleBlocks(snap.Meta.Sample)
	if len(blocks) > 1 {
		split := splitRows(scaled, blocks)
		integrated, err := reduce.Integrate(split, nPCs)
		if err != nil {
			log.Fatalf("integrate: %v", err)
		}
		n.PCs = integrated
		log.Printf("Integrated %d sample blocks", len(blocks))
	} else {
		n.PCs = pca.ScoresUpTo(nPCs)
	}
	return n
}

func stageCluster(ctx context.Context, snap *pipeline.Snapshot, resolutions []expr.Resolution) *pipeline.Snapshot {
	knn, err := neighbors.KNN(snap.PCs, *graphK)
	if err != nil {
		log.Fatalf("cluster: %v", err)
	}
	snn := neighbors.SNN(knn, neighbors.DefaultSNNPrune)
	parts, err := cluster.Sweep(snn, resolutions, *seed)
	if err != nil {
		log.Fatalf("cluster: %v", err)
	}
	n := snap.Derive(pipeline.StageClustered)
	for _, p := range parts {
		if err := n.Meta.SetClusterRows(p.Resolution, p.Labels); err != nil {
			log.Fatalf("cluster: %v", err)
		}
		log.Printf("Resolution %v: %d communities", p.Resolution, p.NCommunities())
	}
	if len(parts) > 1 {
		stab, err := cluster.Stability(parts)
		if err != nil {
			log.Fatalf("cluster: %v", err)
		}
		for i := 1; i < len(parts); i++ {
			log.Printf("Stability: ARI(%v, %v) = %.3f", parts[i-1].Resolution, parts[i].Resolution, stab[i-1][i])
		}
		stabPath := file.Join(*runDir, "stability.tsv")
		if err := pipeline.WriteStabilityTSV(ctx, stabPath, resolutions, stab); err != nil {
			log.Fatalf("%s: %v", stabPath, err)
		}
		log.Printf("Wrote %s", stabPath)
	}
	opts := embed.DefaultOpts
	opts.Seed = *seed
	layout, err := embed.Layout(snn, snap.PCs, opts)
	if err != nil {
		log.Fatalf("embed: %v", err)
	}
	n.Layout = layout
	return n
}

func stageAnnotate(ctx context.Context, snap *pipeline.Snapshot, res expr.Resolution) *pipeline.Snapshot {
	labels, ok := snap.Meta.ClustersAt(res)
	if !ok {
		log.Fatalf("annotate: no partition at resolution %v", res)
	}
	markers, err := annotate.FindMarkers(snap.LogNorm, labels, annotate.DefaultMarkerOpts)
	if err != nil {
		log.Fatalf("annotate: %v", err)
	}
	markersPath := file.Join(*runDir, "markers.csv")
	if err := pipeline.WriteMarkersCSV(ctx, markersPath, markers); err != nil {
		log.Fatalf("%s: %v", markersPath, err)
	}
	log.Printf("Wrote %d markers to %s", len(markers), markersPath)

	n := snap.Derive(pipeline.StageAnnotated)
	if *refPath != "" {
		ref, err := annotate.LoadReference(ctx, *refPath)
		if err != nil {
			log.Fatalf("%s: %v", *refPath, err)
		}
		calls, err := annotate.TransferLabels(snap.LogNorm, labels, ref)
		if err != nil {
			log.Fatalf("annotate: %v", err)
		}
		byCluster := make(map[int]string, len(calls))
		for _, c := range calls {
			byCluster[c.Cluster] = c.Label
			log.Printf("Cluster %d: %s (score %.3f, runner-up %s %.3f)", c.Cluster, c.Label, c.Score, c.Runner, c.RunnerScore)
		}
		if err := n.Meta.SetTypeLabels(res, byCluster); err != nil {
			log.Fatalf("annotate: %v", err)
		}
	}
	if *gmtPath != "" {
		sets, err := geneset.LoadGMT(ctx, *gmtPath)
		if err != nil {
			log.Fatalf("%s: %v", *gmtPath, err)
		}
		enr, err := geneset.Enrich(markers, sets, snap.LogNorm.NGenes())
		if err != nil {
			log.Fatalf("enrich: %v", err)
		}
		enrPath := file.Join(*runDir, "enrichment.csv")
		if err := pipeline.WriteEnrichmentCSV(ctx, enrPath, enr); err != nil {
			log.Fatalf("%s: %v", enrPath, err)
		}
		log.Printf("Wrote %s", enrPath)

		// Sets sharing no genes with the matrix (wrong species, renamed
		// identifiers) are skipped, not fatal.
		scoreOpts := geneset.DefaultScoreOpts
		scoreOpts.Seed = *seed
		var names []string
		var scores []map[string]float64
		for _, set := range sets {
			s, err := geneset.ModuleScore(snap.LogNorm, set, scoreOpts)
			if err != nil {
				log.Error.Printf("module score %s: %v", set.Name, err)
				continue
			}
			names = append(names, set.Name)
			scores = append(scores, s)
		}
		if len(names) > 0 {
			scoresPath := file.Join(*runDir, "module_scores.tsv")
			if err := pipeline.WriteModuleScoresTSV(ctx, scoresPath, snap.LogNorm.Cells(), names, scores); err != nil {
				log.Fatalf("%s: %v", scoresPath, err)
			}
			log.Printf("Wrote %d module score column(s) to %s", len(names), scoresPath)
		}
	}
	if *rootCluster >= 0 {
		traj, err := trajectory.Infer(snap.LogNorm.Cells(), snap.PCs, labels, *rootCluster)
		if err != nil {
			log.Fatalf("trajectory: %v", err)
		}
		if err := n.Meta.SetPseudotime(traj.CellTime); err != nil {
			log.Fatalf("trajectory: %v", err)
		}
		log.Printf("Trajectory rooted at cluster %d spans %d clusters", traj.Root, len(traj.ClusterTime))
	}
	return n
}

func save(ctx context.Context, snap *pipeline.Snapshot) {
	path := pipeline.CheckpointPath(*runDir, snap.Stage)
	if err := pipeline.SaveCheckpoint(ctx, path, snap); err != nil {
		log.Fatalf("%s: %v", path, err)
	}
}

// latestCheckpoint loads the most advanced stage checkpoint present, or nil
// when none exists.
func latestCheckpoint(ctx context.Context, dir string) *pipeline.Snapshot {
	for i := len(stageOrder) - 1; i >= 0; i-- {
		path := pipeline.CheckpointPath(dir, stageOrder[i])
		if _, err := file.Stat(ctx, path); err != nil {
			continue
		}
		snap, err := pipeline.LoadCheckpoint(ctx, path)
		if err != nil {
			log.Fatalf("%s: %v", path, err)
		}
		return snap
	}
	return nil
}

func parseResolutions(s string) ([]expr.Resolution, error) {
	var out []expr.Resolution
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("resolution must be positive: %s", f)
		}
		out = append(out, expr.Resolution(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no resolutions in %q", s)
	}
	return out, nil
}

func containsResolution(rs []expr.Resolution, r expr.Resolution) bool {
	for _, v := range rs {
		if v == r {
			return true
		}
	}
	return false
}

// sampleBlocks returns the contiguous per-sample row runs of the merged
// matrix. Merging concatenates samples, so runs are contiguous by
// construction.
func sampleBlocks(sample []string) [][2]int {
	var blocks [][2]int
	start := 0
	for i := 1; i <= len(sample); i++ {
		if i == len(sample) || sample[i] != sample[start] {
			blocks = append(blocks, [2]int{start, i})
			start = i
		}
	}
	return blocks
}

func splitRows(m *mat.Dense, blocks [][2]int) []*mat.Dense {
	out := make([]*mat.Dense, len(blocks))
	_, c := m.Dims()
	for i, b := range blocks {
		out[i] = m.Slice(b[0], b[1], 0, c).(*mat.Dense)
	}
	return out
}
