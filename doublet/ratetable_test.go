package doublet

import (
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestDefaultRateTable(t *testing.T) {
	assert.NoError(t, DefaultRateTable.Validate())
}

func TestLookup(t *testing.T) {
	cases := []struct {
		nCells int
		rate   float64
	}{
		{500, 0.004},
		{999, 0.004},
		{1000, 0.008},
		{3000, 0.023},
		{3999, 0.023},
		{10000, 0.076},
		{250000, 0.076},
	}
	for _, c := range cases {
		rate, err := DefaultRateTable.Lookup(c.nCells)
		assert.NoError(t, err)
		expect.EQ(t, rate, c.rate, "nCells=%d", c.nCells)
	}
}

func TestLookupBelowSmallestBin(t *testing.T) {
	_, err := DefaultRateTable.Lookup(200)
	expect.HasSubstr(t, err.Error(), "no multiplet rate defined for 200 cells")
}

func TestValidate(t *testing.T) {
	err := RateTable{}.Validate()
	expect.HasSubstr(t, err.Error(), "empty")

	err = RateTable{{500, 0.004}, {400, 0.008}}.Validate()
	expect.HasSubstr(t, err.Error(), "out of order")

	err = RateTable{{500, 0.008}, {1000, 0.004}}.Validate()
	expect.HasSubstr(t, err.Error(), "rate decreases")

	err = RateTable{{500, 1.5}}.Validate()
	expect.HasSubstr(t, err.Error(), "outside [0,1]")
}
