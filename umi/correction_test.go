package umi

import (
	"os"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllKmers(t *testing.T) {
	assertValidKmer := func(kmer string) {
		for _, c := range strings.ToUpper(kmer) {
			assert.True(t, c == 'A' || c == 'C' || c == 'G' || c == 'T' || c == 'N',
				"%s is not a valid kmer", kmer)
		}
	}

	kmers := allKmers(3, alphabetWithN)
	uniq := map[string]bool{}
	for _, kmer := range kmers {
		assertValidKmer(kmer)
		uniq[kmer] = true
	}
	assert.Equal(t, 125, len(uniq)) // 5^3 possible kmers including ACGTN.
}

func TestSnapCorrector(t *testing.T) {
	known3 := "AAA\nCCC\nGGG\nTTT"
	known4 := "AAAA\nCCCC\nGGGG\nTTTT"

	tests := []struct {
		knownUMIs   string
		umi         string
		expected    string
		edits       int
		correctable bool
	}{
		{known3, "AAA", "AAA", 0, false},
		{known3, "TAA", "AAA", 1, true},
		{known3, "ATA", "AAA", 1, true},
		{known3, "AAT", "AAA", 1, true},
		{known3, "NAA", "AAA", 1, true},

		{known4, "AACC", "AACC", -1, false}, // Could be AAAA or CCCC
		{known4, "AANN", "AAAA", 2, true},
		{known4, "ANNN", "AAAA", 3, true},
		{known4, "NNNN", "NNNN", -1, false},
	}

	for _, test := range tests {
		c, err := NewSnapCorrector([]byte(test.knownUMIs))
		require.NoError(t, err)
		correctedUMI, edits, corrected := c.CorrectUMI(test.umi)
		assert.Equal(t, test.expected, correctedUMI, "'%s' should have corrected to '%s'", test.umi, test.expected)
		assert.Equal(t, test.edits, edits, "'%s' should have corrected to '%s' with %d edits", test.umi, test.expected, test.edits)
		assert.Equal(t, test.correctable, corrected, "'%s' should have corrected %v", test.umi, test.correctable)
	}
}

func TestSnapCorrectorErrors(t *testing.T) {
	_, err := NewSnapCorrector([]byte(""))
	assert.Error(t, err)
	_, err = NewSnapCorrector([]byte("AAA\nCCCC"))
	assert.Error(t, err)
	_, err = NewSnapCorrector([]byte("AAN"))
	assert.Error(t, err)
	_, err = NewSnapCorrector([]byte("AAAAAAAAAAA"))
	assert.Error(t, err)

	c, err := NewSnapCorrector([]byte("AAA\nCCC\n"))
	require.NoError(t, err)
	umi, edits, corrected := c.CorrectUMI("AA")
	assert.Equal(t, "AA", umi)
	assert.Equal(t, -1, edits)
	assert.False(t, corrected)
	umi, _, corrected = c.CorrectUMI("AXA")
	assert.Equal(t, "AXA", umi)
	assert.False(t, corrected)
}

func TestSnapCorrectorDuplex(t *testing.T) {
	c, err := NewSnapCorrector([]byte("AAA\nCCC\nGGG\nTTT"))
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Enabled, cfg.Duplex = true, true
	assert.Equal(t, "AAA_CCC", c.Correct(cfg, "AAT_CCA"))
	assert.Equal(t, "not-duplex", c.Correct(cfg, "not-duplex"))

	cfg.Duplex = false
	assert.Equal(t, "GGG", c.Correct(cfg, "GAG"))
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
