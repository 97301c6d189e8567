package umi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	simplex := Config{Enabled: true, EditDistanceMax: 1}
	assert.True(t, simplex.Matches("ACGT", "ACGT"))
	assert.True(t, simplex.Matches("ACGT", "ACGA"))
	assert.False(t, simplex.Matches("ACGT", "ACTA"))
	assert.False(t, simplex.Matches("ACGT", "ACG"))

	exact := Config{Enabled: true}
	assert.False(t, exact.Matches("ACGT", "ACGA"))

	duplex := Config{Enabled: true, Duplex: true, EditDistanceMax: 1, DuplexDelimiter: '_'}
	assert.True(t, duplex.Matches("AAA_CCC", "AAA_CCC"))
	assert.True(t, duplex.Matches("AAA_CCC", "CCC_AAA"))
	assert.True(t, duplex.Matches("AAA_CCC", "CCG_AAT"))
	assert.False(t, duplex.Matches("AAA_CCC", "CGG_AAA"))
	assert.False(t, duplex.Matches("AAA_CCC", "AAACCC"))
}

func TestCluster(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		umis     []string
		expected [][]int
	}{
		{
			"exact",
			Config{Enabled: true},
			[]string{"AAA", "CCC", "AAA", "CCC", "AAT"},
			[][]int{{0, 2}, {1, 3}, {4}},
		},
		{
			"one mismatch joins the most frequent seed",
			Config{Enabled: true, EditDistanceMax: 1},
			[]string{"AAT", "AAA", "AAA", "CCC"},
			[][]int{{0, 1, 2}, {3}},
		},
		{
			"unparsable umis are singletons",
			Config{Enabled: true, EditDistanceMax: 1},
			[]string{"", "AAA", "", "AAA"},
			[][]int{{0}, {1, 3}, {2}},
		},
		{
			"duplex swapped halves",
			Config{Enabled: true, Duplex: true, EditDistanceMax: 1, DuplexDelimiter: '_'},
			[]string{"AAA_CCC", "CCC_AAA", "GGG_TTT", "CCA_AAA"},
			[][]int{{0, 1, 3}, {2}},
		},
		{
			"ties are broken lexicographically",
			Config{Enabled: true, EditDistanceMax: 1},
			[]string{"AAC", "AAA", "AAG"},
			[][]int{{0, 1, 2}},
		},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.cfg.Cluster(test.umis), test.name)
	}
}

func TestClusterDeterministic(t *testing.T) {
	cfg := Config{Enabled: true, EditDistanceMax: 1}
	umis := []string{"ACGT", "ACGA", "TTTT", "TTTA", "ACGT", "GGGG", "TTTT"}
	first := cfg.Cluster(umis)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, cfg.Cluster(umis))
	}
	assert.Equal(t, [][]int{{0, 1, 4}, {2, 3, 6}, {5}}, first)
}
