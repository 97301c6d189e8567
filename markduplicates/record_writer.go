package markduplicates

import (
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/minio/highwayhash"
)

// RecordWriter receives the records produced by MarkDuplicates. Records
// arrive in no particular order. Implementations must be safe for
// concurrent use.
type RecordWriter interface {
	// WriteRecord writes an input record. duplicateCount is the size of
	// the duplicate group the record belongs to.
	WriteRecord(r *sam.Record, duplicateCount int) error
	// WriteConsensusRecord writes a consensus record formed from
	// duplicateCount fragments.
	WriteConsensusRecord(r *sam.Record, duplicateCount int) error
	// RecordWriteCount returns the number of records written with
	// WriteRecord.
	RecordWriteCount() int
	// RecordWriteCountConsensus returns the number of records written
	// with WriteConsensusRecord.
	RecordWriteCountConsensus() int
}

// digestKey is the highwayhash key of BAMRecordWriter.Digest.
var digestKey = []byte("dupcollapse.record.digest.key.01")

// BAMRecordWriter writes records to a BAM stream. Records that belong to
// a duplicate group of more than one fragment are tagged with DS:i.
type BAMRecordWriter struct {
	mu        sync.Mutex
	w         *bam.Writer
	n         int
	consensus int
	digest    uint64
}

// NewBAMRecordWriter creates a writer that emits a BAM stream with the
// given header to out.
func NewBAMRecordWriter(out io.Writer, header *sam.Header, parallelism int) (*BAMRecordWriter, error) {
	w, err := bam.NewWriter(out, header, parallelism)
	if err != nil {
		return nil, errors.E(err, "create bam writer")
	}
	return &BAMRecordWriter{w: w}, nil
}

func (b *BAMRecordWriter) write(r *sam.Record, duplicateCount int) error {
	setDuplicateCount(r, duplicateCount)
	h := highwayhash.Sum64([]byte(r.String()), digestKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Write(r); err != nil {
		return err
	}
	b.digest += h
	return nil
}

// WriteRecord implements RecordWriter.
func (b *BAMRecordWriter) WriteRecord(r *sam.Record, duplicateCount int) error {
	if err := b.write(r, duplicateCount); err != nil {
		return err
	}
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return nil
}

// WriteConsensusRecord implements RecordWriter.
func (b *BAMRecordWriter) WriteConsensusRecord(r *sam.Record, duplicateCount int) error {
	if err := b.write(r, duplicateCount); err != nil {
		return err
	}
	b.mu.Lock()
	b.consensus++
	b.mu.Unlock()
	return nil
}

// RecordWriteCount implements RecordWriter.
func (b *BAMRecordWriter) RecordWriteCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// RecordWriteCountConsensus implements RecordWriter.
func (b *BAMRecordWriter) RecordWriteCountConsensus() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consensus
}

// Digest returns a checksum of the records written so far that does not
// depend on the order in which they were written.
func (b *BAMRecordWriter) Digest() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.digest
}

// Close flushes the BAM stream. It does not close the underlying
// io.Writer.
func (b *BAMRecordWriter) Close() error {
	return b.w.Close()
}

// MemRecordWriter keeps the records written to it in memory.
type MemRecordWriter struct {
	mu sync.Mutex
	// Records and Consensus hold the records passed to WriteRecord and
	// WriteConsensusRecord, in call order.
	Records   []*sam.Record
	Consensus []*sam.Record
	// DuplicateCounts maps record names to the last duplicateCount
	// written for them.
	DuplicateCounts map[string]int
}

// NewMemRecordWriter creates an empty MemRecordWriter.
func NewMemRecordWriter() *MemRecordWriter {
	return &MemRecordWriter{DuplicateCounts: make(map[string]int)}
}

// WriteRecord implements RecordWriter.
func (m *MemRecordWriter) WriteRecord(r *sam.Record, duplicateCount int) error {
	setDuplicateCount(r, duplicateCount)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, r)
	m.DuplicateCounts[r.Name] = duplicateCount
	return nil
}

// WriteConsensusRecord implements RecordWriter.
func (m *MemRecordWriter) WriteConsensusRecord(r *sam.Record, duplicateCount int) error {
	setDuplicateCount(r, duplicateCount)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Consensus = append(m.Consensus, r)
	m.DuplicateCounts[r.Name] = duplicateCount
	return nil
}

// RecordWriteCount implements RecordWriter.
func (m *MemRecordWriter) RecordWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Records)
}

// RecordWriteCountConsensus implements RecordWriter.
func (m *MemRecordWriter) RecordWriteCountConsensus() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Consensus)
}
