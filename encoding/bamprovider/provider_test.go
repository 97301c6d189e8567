package bamprovider_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/dupcollapse/encoding/bamprovider"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

type testData struct {
	header     *sam.Header
	chr1, chr2 *sam.Reference
	chr3       *sam.Reference // no records
	recs       []*sam.Record
}

func newTestData(t *testing.T) testData {
	var d testData
	var err error
	d.chr1, err = sam.NewReference("chr1", "", "", 1000, nil, nil)
	require.NoError(t, err)
	d.chr2, err = sam.NewReference("chr2", "", "", 1000, nil, nil)
	require.NoError(t, err)
	d.chr3, err = sam.NewReference("chr3", "", "", 1000, nil, nil)
	require.NoError(t, err)
	d.header, err = sam.NewHeader(nil, []*sam.Reference{d.chr1, d.chr2, d.chr3})
	require.NoError(t, err)
	d.header.SortOrder = sam.Coordinate

	cigar := []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)}
	mapped := func(name string, ref *sam.Reference, pos int) *sam.Record {
		return &sam.Record{
			Name:    name,
			Ref:     ref,
			Pos:     pos,
			MapQ:    60,
			Cigar:   cigar,
			MateRef: nil,
			MatePos: -1,
			Seq:     sam.NewSeq([]byte("ACGT")),
			Qual:    []byte{30, 30, 30, 30},
		}
	}
	unmapped := &sam.Record{
		Name:    "u1",
		Pos:     -1,
		MatePos: -1,
		Flags:   sam.Unmapped,
		Seq:     sam.NewSeq([]byte("ACGT")),
		Qual:    []byte{30, 30, 30, 30},
	}
	d.recs = []*sam.Record{
		mapped("a1", d.chr1, 10),
		mapped("a2", d.chr1, 20),
		mapped("b1", d.chr2, 5),
		unmapped,
	}
	return d
}

func names(t *testing.T, p bamprovider.Provider, ref *sam.Reference) []string {
	var out []string
	iter := p.NewRefIterator(ref)
	for iter.Scan() {
		out = append(out, iter.Record().Name)
	}
	require.NoError(t, iter.Err())
	require.NoError(t, iter.Close())
	return out
}

func TestBAMProvider(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	d := newTestData(t)

	bamPath := filepath.Join(tmpDir, "test.bam")
	out, err := os.Create(bamPath)
	require.NoError(t, err)
	w, err := bam.NewWriter(out, d.header, 1)
	require.NoError(t, err)
	for _, r := range d.recs {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	p := bamprovider.NewProvider(bamPath)
	header, err := p.GetHeader()
	require.NoError(t, err)
	require.Equal(t, 3, len(header.Refs()))

	// Repeat to exercise iterator reuse.
	for i := 0; i < 2; i++ {
		assert.Equal(t, []string{"a1", "a2"}, names(t, p, header.Refs()[0]))
		assert.Equal(t, []string{"b1"}, names(t, p, header.Refs()[1]))
		assert.Nil(t, names(t, p, header.Refs()[2]))
		assert.Equal(t, []string{"u1"}, names(t, p, nil))
	}
	require.NoError(t, p.Close())
}

func TestBAMProviderMissingFile(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	p := bamprovider.NewProvider(filepath.Join(tmpDir, "missing.bam"),
		bamprovider.ProviderOpts{Index: filepath.Join(tmpDir, "missing.bam.bai")})
	_, err := p.GetHeader()
	assert.Error(t, err)
	iter := p.NewRefIterator(nil)
	assert.False(t, iter.Scan())
	assert.Error(t, iter.Close())
	assert.Error(t, p.Close())
}

func TestFakeProvider(t *testing.T) {
	d := newTestData(t)
	p := bamprovider.NewFakeProvider(d.header, d.recs)
	assert.Equal(t, []string{"a1", "a2"}, names(t, p, d.chr1))
	assert.Equal(t, []string{"b1"}, names(t, p, d.chr2))
	assert.Nil(t, names(t, p, d.chr3))
	assert.Equal(t, []string{"u1"}, names(t, p, nil))

	// Records are copies.
	iter := p.NewRefIterator(d.chr1)
	require.True(t, iter.Scan())
	iter.Record().Name = "changed"
	require.NoError(t, iter.Close())
	assert.Equal(t, "a1", d.recs[0].Name)
	assert.NoError(t, p.Close())
}

func TestRefByName(t *testing.T) {
	d := newTestData(t)
	assert.Equal(t, d.chr2, bamprovider.RefByName(d.header, "chr2"))
	assert.Nil(t, bamprovider.RefByName(d.header, "chrX"))
}

func TestErrorIterator(t *testing.T) {
	err := errors.New("boom")
	iter := bamprovider.NewErrorIterator(err)
	assert.False(t, iter.Scan())
	assert.Equal(t, err, iter.Err())
	assert.Equal(t, err, iter.Close())
}
