package doublet

import (
	"fmt"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"

	"github.com/canidatlas/sc/expr"
)

// BatchResult separates per-sample successes from per-sample failures. A
// failing sample never aborts its siblings; callers are expected to emit a
// missing-output marker for each entry of Failed rather than a partially
// merged table.
type BatchResult struct {
	Results map[string]*Result
	Failed  map[string]error
}

// Err returns nil when every sample succeeded, otherwise a summary error
// naming the failed samples.
func (b *BatchResult) Err() error {
	if len(b.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(b.Failed))
	for id := range b.Failed {
		ids = append(ids, id)
	}
	return errors.E(fmt.Sprintf("doublet detection failed for %d of %d samples: %v",
		len(b.Failed), len(b.Failed)+len(b.Results), ids))
}

// sampleSeed derives a per-sample seed from the configured base seed, so
// adding or reordering samples does not perturb sibling samples' draws.
func sampleSeed(base uint64, sampleID string) uint64 {
	return base ^ farm.Hash64([]byte(sampleID))
}

// eachLimited runs fn over [0, n) with at most limit concurrent calls by
// giving each of limit jobs a contiguous index slice; limit <= 0 means one
// job per index. A job stops at its first error.
func eachLimited(n, limit int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	return traverse.Each(limit, func(jobIdx int) error {
		for i := jobIdx * n / limit; i < (jobIdx+1)*n/limit; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	})
}

// DetectBatch runs Detect over independent samples in parallel, isolating
// failures (errors and panics alike) to the failing sample.
func DetectBatch(samples []expr.Sample, opts Opts) *BatchResult {
	out := &BatchResult{
		Results: make(map[string]*Result, len(samples)),
		Failed:  map[string]error{},
	}
	var mu sync.Mutex
	_ = eachLimited(len(samples), opts.Parallelism, func(i int) error {
		s := samples[i]
		sampleOpts := opts
		if opts.Seed != 0 {
			sampleOpts.Seed = sampleSeed(opts.Seed, s.ID)
		}
		r, err := func() (r *Result, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = errors.E(fmt.Sprintf("panic in doublet detection: %v", p))
				}
			}()
			return Detect(s.ID, s.Counts, sampleOpts)
		}()
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.Error.Printf("doublet: sample %s failed: %v", s.ID, err)
			out.Failed[s.ID] = err
			return nil
		}
		out.Results[s.ID] = r
		return nil
	})
	return out
}

// MergeCalls merges every successful sample's calls into meta by exact cell
// identifier. Per-sample barcodes are translated to the merged
// "<sample>_<barcode>" identifiers produced by expr.MergeColumns; the merge
// is key-based, so sample processing order does not matter.
func MergeCalls(meta *expr.CellMeta, results map[string]*Result) error {
	for _, r := range results {
		prefixed := make(map[string]expr.DoubletCall, len(r.Calls))
		for barcode, call := range r.Calls {
			prefixed[r.SampleID+"_"+barcode] = call
		}
		if err := meta.MergeDoubletCalls(prefixed); err != nil {
			return errors.E(err, fmt.Sprintf("merging calls of sample %s", r.SampleID))
		}
	}
	return nil
}
