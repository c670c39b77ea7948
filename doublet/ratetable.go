package doublet

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// RateBin maps a recovered-cell-count lower bound to the multiplet rate
// published for that loading density.
type RateBin struct {
	MinCells int
	Rate     float64
}

// RateTable is a monotonic step function from recovered cell count to
// expected multiplet rate. Bins must be sorted by ascending MinCells with
// non-decreasing rates.
type RateTable []RateBin

// DefaultRateTable holds the published droplet multiplet rates per
// thousand recovered cells.
var DefaultRateTable = RateTable{
	{500, 0.004},
	{1000, 0.008},
	{2000, 0.016},
	{3000, 0.023},
	{4000, 0.031},
	{5000, 0.039},
	{6000, 0.046},
	{7000, 0.054},
	{8000, 0.061},
	{9000, 0.069},
	{10000, 0.076},
}

// Validate checks bin ordering and rate monotonicity.
func (t RateTable) Validate() error {
	if len(t) == 0 {
		return errors.E("empty multiplet rate table")
	}
	for i := range t {
		if t[i].Rate < 0 || t[i].Rate > 1 {
			return errors.E(fmt.Sprintf("rate %v at bin %d outside [0,1]", t[i].Rate, i))
		}
		if i == 0 {
			continue
		}
		if t[i].MinCells <= t[i-1].MinCells {
			return errors.E(fmt.Sprintf("bins out of order at %d: %d after %d", i, t[i].MinCells, t[i-1].MinCells))
		}
		if t[i].Rate < t[i-1].Rate {
			return errors.E(fmt.Sprintf("rate decreases at bin %d: %v after %v", i, t[i].Rate, t[i-1].Rate))
		}
	}
	return nil
}

// Lookup returns the rate of the largest bin whose MinCells does not exceed
// nCells. A cell count below the smallest bin has no defined rate and is a
// configuration error; it must never default silently.
func (t RateTable) Lookup(nCells int) (float64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if nCells < t[0].MinCells {
		return 0, errors.E(errors.Invalid,
			fmt.Sprintf("no multiplet rate defined for %d cells (table starts at %d); pass an explicit rate", nCells, t[0].MinCells))
	}
	rate := t[0].Rate
	for _, b := range t[1:] {
		if nCells < b.MinCells {
			break
		}
		rate = b.Rate
	}
	return rate, nil
}
