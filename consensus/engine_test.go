package consensus

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	refBasesA = strings.Repeat("A", 10)
	refBasesC = strings.Repeat("C", 10)
	refBasesG = strings.Repeat("G", 10)
	refBasesT = strings.Repeat("T", 10)
	refBases  = "GATTACAGAT" + refBasesA + refBasesC + refBasesG + refBasesT +
		refBasesA + refBasesC + refBasesG + refBasesT + "GATTACAGAT"

	chr1, chr2 *sam.Reference
)

func init() {
	var err error
	chr1, err = sam.NewReference("chr1", "", "", len(refBases), nil, nil)
	if err != nil {
		panic(err)
	}
	chr2, err = sam.NewReference("chr2", "", "", len(refBases), nil, nil)
	if err != nil {
		panic(err)
	}
	if _, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2}); err != nil {
		panic(err)
	}
}

type testRef map[string]string

func (r testRef) Base(chrom string, pos int) (byte, error) {
	s, ok := r[chrom]
	if !ok || pos < 0 || pos >= len(s) {
		return 0, fmt.Errorf("no base at %s:%d", chrom, pos)
	}
	return s[pos], nil
}

func newEngine() *Engine {
	return NewEngine(testRef{"chr1": refBases})
}

func newRead(name string, pos int, bases, cigar string, qual byte) *sam.Record {
	c, err := sam.ParseCigar([]byte(cigar))
	if err != nil {
		panic(err)
	}
	return &sam.Record{
		Name:    name,
		Ref:     chr1,
		Pos:     pos,
		MapQ:    60,
		Cigar:   c,
		Flags:   sam.Paired | sam.Read1 | sam.MateReverse,
		MateRef: chr1,
		MatePos: 500,
		Seq:     sam.NewSeq([]byte(bases)),
		Qual:    bytes.Repeat([]byte{qual}, len(bases)),
	}
}

func readString(r *sam.Record) string { return string(r.Seq.Expand()) }

func TestBasicConsensus(t *testing.T) {
	e := newEngine()
	bases := refBases[10:20]
	reads := []*sam.Record{
		newRead("r1", 10, bases, "10M", 37),
		newRead("r2", 10, bases, "10M", 37),
		newRead("r3", 10, bases, "10M", 37),
	}
	info, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, AlignmentOnly, info.Outcome)
	assert.Equal(t, bases, readString(info.Record))
	assert.Equal(t, "10M", info.Record.Cigar.String())
	assert.Equal(t, 10, info.Record.Pos)
	assert.Equal(t, "CNS_1", info.Record.Name)
	assert.Equal(t, bytes.Repeat([]byte{37}, 10), info.Record.Qual)
}

func TestConsensusByQuality(t *testing.T) {
	e := newEngine()
	reads := []*sam.Record{
		newRead("r1", 10, refBases[10:20], "10M", 36),
		newRead("r2", 12, "AATAATAATA", "2S8M", 37),
		newRead("r3", 14, "AATAAGAAAA", "4S6M", 36),
	}
	info, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, AlignmentOnly, info.Outcome)
	assert.Equal(t, 10, info.Record.Pos)
	assert.Equal(t, "10M", info.Record.Cigar.String())

	// Third base is T from the summed qualities of the second and third
	// reads, sixth is T from the highest single quality, ninth is A from
	// the first and third reads.
	assert.Equal(t, "AATAATAAAA", readString(info.Record))
	assert.Equal(t, byte(19), info.Record.Qual[2])
	assert.Equal(t, byte(0), info.Record.Qual[5])
	assert.Equal(t, byte(18), info.Record.Qual[8])
	assert.Equal(t, byte(37), info.Record.Qual[0])
}

func TestReferenceTieBreak(t *testing.T) {
	e := newEngine()
	reads := []*sam.Record{
		newRead("r1", 15, refBasesA, "10M", 37),
		newRead("r2", 15, refBasesC, "10M", 37),
	}
	info, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, "AAAAACCCCC", readString(info.Record))
	assert.Equal(t, bytes.Repeat([]byte{0}, 10), info.Record.Qual)

	// Without a reference, ties go to the first base in ACGTN order.
	info, err = NewEngine(nil).CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, refBasesA, readString(info.Record))

	// A reference base that is not among the tied bases is ignored.
	reads = []*sam.Record{
		newRead("r1", 40, refBasesA, "10M", 37),
		newRead("r2", 40, refBasesC, "10M", 37),
	}
	info, err = e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, refBasesA, readString(info.Record))
}

func TestReferenceLookupFailure(t *testing.T) {
	e := NewEngine(testRef{})
	reads := []*sam.Record{
		newRead("r1", 15, refBasesA, "10M", 37),
		newRead("r2", 15, refBasesC, "10M", 37),
	}
	_, err := e.CreateConsensusRead(reads, "CNS_1")
	assert.Error(t, err)
}

func TestMajority(t *testing.T) {
	e := newEngine()
	reads := []*sam.Record{
		newRead("r1", 10, "AAAAAAAAAA", "10M", 30),
		newRead("r2", 10, "AAAAAAAAAA", "10M", 30),
		newRead("r3", 10, "AAAACAAAAA", "10M", 30),
	}
	info, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAA", readString(info.Record))
	assert.Equal(t, byte(15), info.Record.Qual[4])
	assert.Equal(t, byte(30), info.Record.Qual[3])
}

func TestSoftClipsAtBothEnds(t *testing.T) {
	e := newEngine()
	reads := []*sam.Record{
		newRead("r1", 13, refBasesA, "3S6M1S", 37),
		newRead("r2", 12, refBasesA, "2S5M3S", 37),
	}
	info, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, AlignmentOnly, info.Outcome)
	assert.Equal(t, 12, info.Record.Pos)
	assert.Equal(t, "2S7M1S", info.Record.Cigar.String())
	assert.Equal(t, refBasesA, readString(info.Record))
}

func TestDeterminism(t *testing.T) {
	e := newEngine()
	reads := []*sam.Record{
		newRead("r1", 10, refBases[10:20], "10M", 36),
		newRead("r2", 12, "AATAATAATA", "2S8M", 37),
		newRead("r3", 14, "AATAAGAAAA", "4S6M", 36),
		newRead("r4", 15, refBasesC, "10M", 36),
	}
	first, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, perm := range perms {
		var permuted []*sam.Record
		for _, i := range perm {
			permuted = append(permuted, reads[i])
		}
		got, err := e.CreateConsensusRead(permuted, "CNS_1")
		require.NoError(t, err)
		assert.Equal(t, first, got, "permutation %v", perm)
	}
}

func TestIndels(t *testing.T) {
	e := newEngine()
	ref := refBases[40:51]
	deleted := ref[:5] + ref[6:]

	// All reads share one deletion.
	reads := []*sam.Record{
		newRead("r1", 40, deleted, "5M1D5M", 37),
		newRead("r2", 40, deleted, "5M1D5M", 37),
	}
	info, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, IndelMatch, info.Outcome)
	assert.Equal(t, "5M1D5M", info.Record.Cigar.String())
	assert.Equal(t, deleted, readString(info.Record))

	// The deletion wins the column vote.
	reads = append(reads, newRead("r3", 40, ref, "11M", 37))
	info, err = e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, IndelMismatch, info.Outcome)
	assert.Equal(t, 40, info.Record.Pos)
	assert.Equal(t, "5M1D5M", info.Record.Cigar.String())
	assert.Equal(t, deleted, readString(info.Record))

	// A single deletion loses.
	reads = []*sam.Record{
		newRead("r1", 40, deleted, "5M1D5M", 37),
		newRead("r2", 40, ref, "11M", 37),
		newRead("r3", 40, ref, "11M", 37),
	}
	info, err = e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, IndelMismatch, info.Outcome)
	assert.Equal(t, "11M", info.Record.Cigar.String())
	assert.Equal(t, ref, readString(info.Record))
}

func TestInsertions(t *testing.T) {
	e := newEngine()
	ref := refBases[40:50]
	inserted := ref[:5] + "G" + ref[5:]

	reads := []*sam.Record{
		newRead("r1", 40, inserted, "5M1I5M", 37),
		newRead("r2", 40, ref, "10M", 37),
		newRead("r3", 40, ref, "10M", 37),
	}
	info, err := e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, IndelMismatch, info.Outcome)
	assert.Equal(t, "10M", info.Record.Cigar.String())
	assert.Equal(t, ref, readString(info.Record))

	reads[1] = newRead("r2", 40, inserted, "5M1I5M", 37)
	info, err = e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, IndelMismatch, info.Outcome)
	assert.Equal(t, "5M1I5M", info.Record.Cigar.String())
	assert.Equal(t, inserted, readString(info.Record))
	assert.Equal(t, byte(37), info.Record.Qual[5])

	// Leading insertions are soft clips.
	reads = []*sam.Record{
		newRead("r1", 40, "AA"+ref, "2I10M", 37),
		newRead("r2", 40, "AA"+ref, "2S10M", 37),
	}
	info, err = e.CreateConsensusRead(reads, "CNS_1")
	require.NoError(t, err)
	assert.Equal(t, AlignmentOnly, info.Outcome)
	assert.Equal(t, "2S10M", info.Record.Cigar.String())
}

func TestConsensusRecordFields(t *testing.T) {
	e := newEngine()
	rg, err := sam.NewAux(readGroupTag, "rg1")
	require.NoError(t, err)
	r1 := newRead("r1", 10, refBasesA, "10M", 30)
	r1.MapQ = 20
	r1.Flags |= sam.Duplicate
	r2 := newRead("r2", 10, refBasesA, "10M", 35)
	r2.AuxFields = sam.AuxFields{rg}
	r2.Flags |= sam.Duplicate | sam.ProperPair
	r2.MatePos = 700
	r2.MapQ = 10

	info, err := e.CreateConsensusRead([]*sam.Record{r1, r2}, "CNS_2")
	require.NoError(t, err)
	rec := info.Record
	assert.Equal(t, byte(20), rec.MapQ)
	assert.Equal(t, sam.Paired|sam.Read1|sam.MateReverse|sam.ProperPair, rec.Flags)
	assert.Equal(t, 700, rec.MatePos)
	assert.Equal(t, rg, rec.AuxFields.Get(readGroupTag))
	cr, err := sam.NewAux(ConsensusCountTag, 2)
	require.NoError(t, err)
	assert.Equal(t, cr, rec.AuxFields.Get(ConsensusCountTag))
	// Inputs are not modified.
	assert.Equal(t, "r2", r2.Name)
	assert.True(t, r2.Flags&sam.Duplicate != 0)
}

func TestTemplateCopies(t *testing.T) {
	e := newEngine()
	single := newRead("r1", 10, refBasesA, "10M", 30)
	info, err := e.CreateConsensusRead([]*sam.Record{single}, "CNS_3")
	require.NoError(t, err)
	assert.Equal(t, AlignmentOnly, info.Outcome)
	assert.Equal(t, "CNS_3", info.Record.Name)
	assert.Equal(t, "r1", single.Name)
	assert.Equal(t, refBasesA, readString(info.Record))

	// The cigar of r2 disagrees with its sequence.
	bad := newRead("r2", 10, refBasesA, "12M", 37)
	info, err = e.CreateConsensusRead([]*sam.Record{single, bad}, "CNS_3")
	require.NoError(t, err)
	assert.Equal(t, IndelFail, info.Outcome)
	assert.Equal(t, "12M", info.Record.Cigar.String())

	// A gap between the aligned spans cannot be voted on.
	far := newRead("r3", 30, refBasesC, "10M", 37)
	info, err = e.CreateConsensusRead([]*sam.Record{single, far}, "CNS_3")
	require.NoError(t, err)
	assert.Equal(t, IndelFail, info.Outcome)
	assert.Equal(t, 30, info.Record.Pos)
}

func TestConsensusErrors(t *testing.T) {
	e := newEngine()
	_, err := e.CreateConsensusRead(nil, "CNS_4")
	assert.Error(t, err)

	other := newRead("r2", 10, refBasesA, "10M", 30)
	other.Ref = chr2
	_, err = e.CreateConsensusRead([]*sam.Record{newRead("r1", 10, refBasesA, "10M", 30), other}, "CNS_4")
	assert.Error(t, err)
}

func TestCallBase(t *testing.T) {
	e := NewEngine(nil)
	tests := []struct {
		bases string
		quals []byte
		base  byte
		qual  byte
	}{
		{"A", []byte{30}, 'A', 30},
		{"AAC", []byte{30, 30, 30}, 'A', 15},
		{"TTA", []byte{37, 36, 36}, 'T', 19},
		{"AAT", []byte{36, 36, 37}, 'A', 18},
		{"TAG", []byte{37, 36, 36}, 'T', 0},
		{"CA", []byte{0, 0}, 'A', 0},
		{"NN", []byte{20, 20}, 'N', 20},
		{"GC", []byte{10, 20}, 'C', 10},
	}
	for _, test := range tests {
		b, q, err := e.callBase("chr1", 0, true, []byte(test.bases), test.quals)
		require.NoError(t, err)
		assert.Equal(t, string(test.base), string(b), "bases %s", test.bases)
		assert.Equal(t, test.qual, q, "bases %s", test.bases)
	}
}
