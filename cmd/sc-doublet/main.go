package main

/*
sc-doublet runs standalone per-sample doublet detection. Each positional
argument is a sample directory in matrix-market layout (matrix.mtx,
barcodes.tsv, features.tsv, optionally gzipped). Samples are processed
independently and in parallel; one sample failing does not stop the rest.
Calls and scores for every successful sample are written as a single TSV,
and a <sample>.FAILED marker file is left next to the output for every
sample that could not be processed.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/canidatlas/sc/doublet"
	"github.com/canidatlas/sc/encoding/mtx"
	"github.com/canidatlas/sc/expr"
	"github.com/canidatlas/sc/pipeline"
)

var (
	outPath     = flag.String("out", "sc-doublet.tsv", "Output TSV path")
	nVarGenes   = flag.Int("variable-genes", doublet.DefaultOpts.NVariableGenes, "Number of highly variable genes used for embedding")
	maxPCs      = flag.Int("max-pcs", doublet.DefaultOpts.MaxPCs, "Upper bound on principal components considered by the knee heuristics")
	graphK      = flag.Int("graph-k", doublet.DefaultOpts.GraphK, "Neighbor count for the provisional clustering graph")
	finalPN     = flag.Float64("pn", doublet.DefaultOpts.FinalPN, "Synthetic doublet proportion used for the final scoring pass")
	seed        = flag.Uint64("seed", 0, "Base random seed; 0 picks one at random and logs it")
	parallelism = flag.Int("parallelism", doublet.DefaultOpts.Parallelism, "Maximum number of samples processed at once; 0 = number of CPUs")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] sampledir [sampledir ...]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	dirs := flag.Args()
	if len(dirs) == 0 {
		log.Fatalf("No sample directories given; run with -help for usage")
	}
	ctx := vcontext.Background()

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

	opts := doublet.DefaultOpts
	opts.NVariableGenes = *nVarGenes
	opts.MaxPCs = *maxPCs
	opts.GraphK = *graphK
	opts.FinalPN = *finalPN
	opts.Seed = *seed
	opts.Parallelism = *parallelism

	batch := doublet.DetectBatch(samples, opts)
	for id, err := range batch.Failed {
		log.Error.Printf("%s: doublet detection failed: %v", id, err)
		marker := file.Join(file.Dir(*outPath), id+".FAILED")
		if werr := writeMarker(ctx, marker, err); werr != nil {
			log.Error.Printf("%s: cannot write failure marker: %v", marker, werr)
		}
	}
	if len(batch.Results) > 0 {
		if err := pipeline.WriteDoubletTSV(ctx, *outPath, batch.Results); err != nil {
			log.Fatalf("%s: %v", *outPath, err)
		}
		log.Printf("Wrote %d sample(s) to %s", len(batch.Results), *outPath)
	}
	if err := batch.Err(); err != nil {
		log.Fatalf("%v", err)
	}
}

func writeMarker(ctx context.Context, path string, cause error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	_, err = fmt.Fprintf(out.Writer(ctx), "%v\n", cause)
	return err
}
