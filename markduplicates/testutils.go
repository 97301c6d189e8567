package markduplicates

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	gbam "github.com/grailbio/dupcollapse/encoding/bam"
	"github.com/grailbio/dupcollapse/encoding/bamprovider"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecord is an input record and what the output for it must look
// like. A record with Removed set must not appear in the output.
type TestRecord struct {
	R              *sam.Record
	DupFlag        bool
	Removed        bool
	ExpectedAuxs   []sam.Aux
	UnexpectedTags []sam.Tag
}

// TestCase is a set of input records, in coordinate order, and the
// options to run them with.
type TestCase struct {
	TRecords []TestRecord
	Opts     Opts
}

func NewRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference, cigar sam.Cigar) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MatePos = matePos
	r.MateRef = mateRef
	r.Flags = flags
	r.Cigar = cigar
	r.AuxFields = nil
	return r
}

func NewRecordSeq(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference,
	cigar sam.Cigar, seq, qual string) *sam.Record {
	if len(seq) != len(qual) {
		panic("seq and qual must be equal length")
	}
	r := NewRecord(name, ref, pos, flags, matePos, mateRef, cigar)
	r.Seq = sam.NewSeq([]byte(seq))
	r.Qual = []byte(qual)
	return r
}

func NewRecordAux(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference,
	cigar sam.Cigar, aux ...sam.Aux) *sam.Record {
	r := NewRecord(name, ref, pos, flags, matePos, mateRef, cigar)
	r.AuxFields = append(r.AuxFields, aux...)
	return r
}

func NewAux(name string, val interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(name), val)
	if err != nil {
		panic(fmt.Sprintf("error creating %s %v tag: %v", name, val, err))
	}
	return aux
}

// NewSupplementaryTag returns an SA:Z field listing one alignment at the
// 0-based position pos.
func NewSupplementaryTag(ref *sam.Reference, pos int, reverse bool, cigar string) sam.Aux {
	aux, err := gbam.NewSupplementaryAux([]gbam.SupplementaryData{{
		Chromosome: ref.Name(),
		Position:   pos,
		Reverse:    reverse,
		Cigar:      cigar,
		MapQ:       60,
	}})
	if err != nil {
		panic(err)
	}
	return aux
}

// recordID identifies a record within the reads of one template.
func recordID(r *sam.Record) string {
	const mask = sam.Read1 | sam.Read2 | sam.Secondary | sam.Supplementary
	refID := -1
	if r.Ref != nil {
		refID = r.Ref.ID()
	}
	return fmt.Sprintf("%s/%d/%d:%d", r.Name, r.Flags&mask, refID, r.Pos)
}

// RunTestCases runs each test case through Mark twice: once into a
// MemRecordWriter and once into a BAM file that is read back. Output
// order is not checked.
func RunTestCases(t *testing.T, header *sam.Header, cases []TestCase) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	for testIdx, test := range cases {
		t.Logf("---- starting TestCase[%d] ----", testIdx)
		testrecords := make([]*sam.Record, 0, len(test.TRecords))
		for _, tr := range test.TRecords {
			testrecords = append(testrecords, tr.R)
		}

		opts := test.Opts
		mem := NewMemRecordWriter()
		_, err := (&MarkDuplicates{
			Provider: bamprovider.NewFakeProvider(header, testrecords),
			Writer:   mem,
			Opts:     &opts,
		}).Mark(vcontext.Background())
		require.NoError(t, err)
		checkOutput(t, test, mem.Records)

		outputPath := filepath.Join(tempDir, fmt.Sprintf("%d.bam", testIdx))
		opts = test.Opts
		writeBAM(t, header, outputPath, &MarkDuplicates{
			Provider: bamprovider.NewFakeProvider(header, testrecords),
			Opts:     &opts,
		})
		checkOutput(t, test, ReadRecords(t, outputPath))
	}
}

func writeBAM(t *testing.T, header *sam.Header, path string, m *MarkDuplicates) {
	out, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewBAMRecordWriter(out, header, 1)
	require.NoError(t, err)
	m.Writer = w
	_, err = m.Mark(vcontext.Background())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
}

func checkOutput(t *testing.T, test TestCase, actual []*sam.Record) {
	byID := make(map[string]*sam.Record, len(actual))
	for i, r := range actual {
		t.Logf("output[%v]: %v", i, r)
		id := recordID(r)
		_, dup := byID[id]
		assert.False(t, dup, "record %s written twice", id)
		byID[id] = r
	}
	expected := 0
	for _, tr := range test.TRecords {
		r, ok := byID[recordID(tr.R)]
		if tr.Removed {
			assert.False(t, ok, "record %s should have been removed", recordID(tr.R))
			continue
		}
		expected++
		if !assert.True(t, ok, "record %s is missing", recordID(tr.R)) {
			continue
		}
		assert.Equal(t, tr.DupFlag, r.Flags&sam.Duplicate != 0, "duplicate flag is wrong for %s", recordID(tr.R))

		// Verify that exactly one of each expected tag exists, and has the right value.
		for _, expectedAux := range tr.ExpectedAuxs {
			found := 0
			for _, aux := range r.AuxFields {
				if aux.Tag() == expectedAux.Tag() {
					assert.Equal(t, expectedAux, aux)
					found++
				}
			}
			assert.Equal(t, 1, found, "Incorrect number of %s tags on %s, expected 1, got %d",
				expectedAux.Tag(), recordID(tr.R), found)
		}
		// Verify that these tags do not exist.
		for _, negTag := range tr.UnexpectedTags {
			actual, ok := r.Tag([]byte{negTag[0], negTag[1]})
			assert.False(t, ok, "Expected tag to be absent on %s, but it exists: %v", recordID(tr.R), actual)
		}
	}
	assert.Equal(t, expected, len(byID))
}

// ReadRecords reads the records from the BAM file at path and returns
// them as a slice, in file order.
func ReadRecords(t *testing.T, path string) []*sam.Record {
	records := make([]*sam.Record, 0)
	// BAM files produced by the tests don't have indexes, so read them
	// using the raw reader.
	in, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, in.Close())
	}()
	reader, err := bam.NewReader(in, 1)
	require.NoError(t, err)
	for {
		r, err := reader.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records = append(records, r)
	}
	return records
}
