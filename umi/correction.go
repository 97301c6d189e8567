package umi

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/log"
)

var (
	alphabet        = []byte{'A', 'C', 'G', 'T'}
	alphabetWithN   = []byte{'A', 'C', 'G', 'T', 'N'}
	errNoKnownUMIs  = fmt.Errorf("no umis in input")
	maxSnapKmerSize = 10
)

type snapCorrectorEntry struct {
	knownUMI string
	edits    int
}

// SnapCorrector implements "snap" correction of UMIs.  A umi U is
// snappable if there is a known non-random umi U1 that is closer to U
// than all other known umis, in terms of Levenshtein edit distance.
type SnapCorrector struct {
	knownUMIs []string
	k         int

	// correctionTable maps every snappable k-mer (k is the length of the
	// umi) to the known UMI it snaps to.
	correctionTable map[string]snapCorrectorEntry
}

// NewSnapCorrector creates a new snap corrector.  The knownUMIs are a
// \n separated list of UMIs (the content of a UMI list file, one UMI per
// line).  Each UMI must consist of characters ACGT and all UMIs must
// have the same length.
func NewSnapCorrector(knownUMIs []byte) (*SnapCorrector, error) {
	log.Debug.Printf("Building snappable UMI correction table")
	scanner := bufio.NewScanner(bytes.NewReader(knownUMIs))
	var known []string
	k := -1
	for scanner.Scan() {
		umi := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if umi == "" {
			continue
		}
		if k < 0 {
			k = len(umi)
		}
		if len(umi) != k {
			return nil, fmt.Errorf("umi %s has length %d, other umis have length %d", umi, len(umi), k)
		}
		if err := validateUMI(umi, alphabet); err != nil {
			return nil, err
		}
		known = append(known, umi)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if k < 0 {
		return nil, errNoKnownUMIs
	}
	if k > maxSnapKmerSize {
		return nil, fmt.Errorf("umi length %d exceeds the maximum of %d for snap correction", k, maxSnapKmerSize)
	}

	// For each k-mer, find the known umis at the smallest edit distance.
	// The k-mer snaps if exactly one known umi is closest.
	correctionTable := map[string]snapCorrectorEntry{}
	for _, umi := range allKmers(k, alphabetWithN) {
		best, bestCost, ties := "", k+1, 0
		for _, knownUMI := range known {
			cost := matchr.Levenshtein(umi, knownUMI)
			switch {
			case cost < bestCost:
				best, bestCost, ties = knownUMI, cost, 1
			case cost == bestCost:
				ties++
			}
		}
		if ties == 1 {
			correctionTable[umi] = snapCorrectorEntry{best, bestCost}
		}
	}
	log.Debug.Printf("Done building snappable UMI correction table: %d of %d k-mers snap",
		len(correctionTable), len(allKmers(k, alphabetWithN)))

	return &SnapCorrector{
		knownUMIs:       known,
		k:               k,
		correctionTable: correctionTable,
	}, nil
}

// CorrectUMI returns a corrected umi, number of edits to the
// corrected umi, and true if there is exactly one known UMI that is
// closest to the original umi with respect to Levenshtein edit
// distance and it differs from umi.  Otherwise, return the original
// umi, the edit count (-1 if the umi cannot snap), and false.
func (c *SnapCorrector) CorrectUMI(umi string) (correctedUMI string, edits int, corrected bool) {
	umi = strings.ToUpper(umi)
	if len(umi) != c.k || validateUMI(umi, alphabetWithN) != nil {
		return umi, -1, false
	}
	entry, ok := c.correctionTable[umi]
	if ok {
		return entry.knownUMI, entry.edits, entry.knownUMI != umi
	}
	return umi, -1, false
}

// Correct snaps a UMI extracted with cfg. Duplex UMIs are corrected one
// half at a time.
func (c *SnapCorrector) Correct(cfg Config, umi string) string {
	if !cfg.Duplex {
		corrected, _, _ := c.CorrectUMI(umi)
		return corrected
	}
	h1, h2, ok := cfg.SplitDuplex(umi)
	if !ok {
		return umi
	}
	h1, _, _ = c.CorrectUMI(h1)
	h2, _, _ = c.CorrectUMI(h2)
	return h1 + string(cfg.DuplexDelimiter) + h2
}

func validateUMI(umi string, alphabet []byte) error {
	for i := 0; i < len(umi); i++ {
		if bytes.IndexByte(alphabet, umi[i]) < 0 {
			return fmt.Errorf("invalid base %c in umi %v", umi[i], umi)
		}
	}
	return nil
}

// returns a slice of all possible kmers with the given alphabet.
func allKmers(k int, alphabet []byte) []string {
	var fn func(partial []byte) []string
	fn = func(partial []byte) []string {
		if len(partial) == k {
			return []string{string(partial)}
		}
		var kmers []string
		for _, c := range alphabet {
			kmers = append(kmers, fn(append(partial[:len(partial):len(partial)], c))...)
		}
		return kmers
	}
	return fn(make([]byte, 0, k))
}
