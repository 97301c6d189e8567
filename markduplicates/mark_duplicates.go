package markduplicates

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/dupcollapse/consensus"
	"github.com/grailbio/dupcollapse/encoding/bamprovider"
	"github.com/grailbio/dupcollapse/encoding/fasta"
	"github.com/grailbio/dupcollapse/umi"
	"github.com/grailbio/hts/sam"
)

// Opts for mark-duplicates.
type Opts struct {
	// Commandline options.
	BamFile         string
	IndexFile       string
	OutputPath      string
	ReferenceFile   string
	MetricsFile     string
	Parallelism     int
	PartitionSize   int
	ClipPadding     int
	ReadBufferSize  int
	FlushDistance   int
	ClearExisting   bool
	RemoveDups      bool
	FormConsensus   bool
	UseUmis         bool
	UmiDuplex       bool
	UmiDuplexDelim  string
	UmiEditDistance int
	UmiFile         string

	// Data derived from commandline options.
	KnownUmis []byte
}

// DefaultOpts are the defaults of the command line.
var DefaultOpts = Opts{
	Parallelism:     runtime.NumCPU(),
	PartitionSize:   1000000,
	ClipPadding:     143,
	ReadBufferSize:  4096,
	FlushDistance:   10000,
	FormConsensus:   true,
	UmiDuplexDelim:  string(umi.DefaultDuplexDelimiter),
	UmiEditDistance: 1,
}

func (o *Opts) umiConfig() umi.Config {
	c := umi.Config{
		Enabled:         o.UseUmis,
		Duplex:          o.UmiDuplex,
		EditDistanceMax: o.UmiEditDistance,
		DuplexDelimiter: umi.DefaultDuplexDelimiter,
	}
	if len(o.UmiDuplexDelim) > 0 {
		c.DuplexDelimiter = o.UmiDuplexDelim[0]
	}
	return c
}

// MarkDuplicates groups duplicate fragments and collapses or marks
// them.
type MarkDuplicates struct {
	Provider bamprovider.Provider
	Writer   RecordWriter
	Opts     *Opts
	// Reference breaks consensus base quality ties. It may be nil.
	Reference consensus.RefGenome

	readGroupLibrary map[string]string
	umiCorrector     *umi.SnapCorrector
	globalMetrics    *MetricsCollection
}

// Mark reads every record of the provider, one worker per reference,
// and writes the results to m.Writer. It returns the first error
// encountered; an error aborts the reference it occurred on.
func (m *MarkDuplicates) Mark(ctx context.Context) (*MetricsCollection, error) {
	header, err := m.Provider.GetHeader()
	if err != nil {
		return nil, err
	}
	m.readGroupLibrary = make(map[string]string)
	for _, readGroup := range header.RGs() {
		m.readGroupLibrary[readGroup.Name()] = readGroup.Library()
	}
	if m.Opts.KnownUmis != nil {
		if m.umiCorrector, err = umi.NewSnapCorrector(m.Opts.KnownUmis); err != nil {
			return nil, errors.E(err, "umi file", m.Opts.UmiFile)
		}
	}
	m.globalMetrics = newMetricsCollection()

	store := NewPartitionStore(header, m.Opts.PartitionSize, m.Opts.ClipPadding)
	fin := &Finalizer{
		Writer:           m.Writer,
		ApplyConsensus:   m.Opts.FormConsensus,
		RemoveDups:       m.Opts.RemoveDups,
		UMI:              m.Opts.umiConfig(),
		Corrector:        m.umiCorrector,
		ReadGroupLibrary: m.readGroupLibrary,
		Metrics:          m.globalMetrics,
	}
	if m.Opts.FormConsensus {
		fin.Engine = consensus.NewEngine(m.Reference)
	}

	// Records without a reference go last; they are only passed through.
	refs := append(append([]*sam.Reference(nil), header.Refs()...), nil)
	refCh := make(chan *sam.Reference, len(refs))
	for _, ref := range refs {
		refCh <- ref
	}
	close(refCh)

	e := errors.Once{}
	parallelism := m.Opts.Parallelism
	if parallelism > len(refs) {
		parallelism = len(refs)
	}
	log.Debug.Printf("Creating %d workers for %d references", parallelism, len(refs)-1)
	_ = traverse.Each(parallelism, func(int) error {
		for ref := range refCh {
			if err := m.processReference(ctx, ref, store, fin); err != nil {
				log.Error.Printf("%s: %v", refName(ref), err)
				e.Set(err)
			}
		}
		return nil
	})
	if err := e.Err(); err != nil {
		return nil, err
	}

	for _, p := range store.Partitions() {
		if err := p.WriteRemainingReads(fin); err != nil {
			return nil, err
		}
	}
	log.Debug.Printf("wrote %d records and %d consensus records",
		m.Writer.RecordWriteCount(), m.Writer.RecordWriteCountConsensus())
	return m.globalMetrics, nil
}

func refName(ref *sam.Reference) string {
	if ref == nil {
		return "unmapped"
	}
	return ref.Name()
}

// processReference reads the records of ref in batches of
// Opts.ReadBufferSize, checking for cancellation between batches.
func (m *MarkDuplicates) processReference(ctx context.Context, ref *sam.Reference, store *PartitionStore, fin *Finalizer) (err error) {
	metrics := newMetricsCollection()
	defer m.globalMetrics.Merge(metrics)

	reader := NewChromosomeReader(ref, m.Opts, store, fin, m.readGroupLibrary, metrics)
	iter := m.Provider.NewRefIterator(ref)
	defer func() {
		if err2 := iter.Close(); err == nil && err2 != nil {
			err = err2
		}
	}()

	bufSize := m.Opts.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 1
	}
	buf := make([]*sam.Record, 0, bufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf = buf[:0]
		for len(buf) < cap(buf) && iter.Scan() {
			buf = append(buf, iter.Record())
		}
		for _, r := range buf {
			if err := reader.ProcessRead(r); err != nil {
				return errors.E(err, "reference", refName(ref))
			}
		}
		if len(buf) < cap(buf) {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return reader.OnChromosomeComplete()
}

func readKnownUmis(ctx context.Context, path string) ([]byte, error) {
	umiReader, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer umiReader.Close(ctx) // nolint: errcheck
	return ioutil.ReadAll(umiReader.Reader(ctx))
}

// SetupAndMark does some minimal setup for validating opts, opening the
// output, the reference and the UMI list, and then runs Mark().
func SetupAndMark(ctx context.Context, provider bamprovider.Provider, opts *Opts) (err error) {
	if err := validate(opts); err != nil {
		return err
	}

	// Prepare umi inputs.
	if len(opts.UmiFile) > 0 {
		if opts.KnownUmis, err = readKnownUmis(ctx, opts.UmiFile); err != nil {
			log.Debug.Printf("Could not read umi file %s: %s", opts.UmiFile, err)
			return err
		}
		if len(opts.KnownUmis) == 0 {
			return errors.E("UMI list is empty:", opts.UmiFile)
		}
	}

	var ref consensus.RefGenome
	if opts.ReferenceFile != "" {
		fa, err := fasta.Open(ctx, opts.ReferenceFile)
		if err != nil {
			return err
		}
		defer func() {
			if err2 := fa.Close(ctx); err == nil && err2 != nil {
				err = err2
			}
		}()
		ref = fa
	}

	header, err := provider.GetHeader()
	if err != nil {
		return err
	}
	var outputStream io.Writer
	if opts.OutputPath == "" {
		outputStream = os.Stdout
	} else {
		out, err := file.Create(ctx, opts.OutputPath)
		if err != nil {
			return errors.E(err, "Couldn't create output file", opts.OutputPath)
		}
		defer func() {
			if err2 := out.Close(ctx); err == nil && err2 != nil {
				err = err2
			}
		}()
		outputStream = out.Writer(ctx)
	}
	writer, err := NewBAMRecordWriter(outputStream, header, opts.Parallelism)
	if err != nil {
		return err
	}

	markDuplicates := &MarkDuplicates{
		Provider:  provider,
		Writer:    writer,
		Opts:      opts,
		Reference: ref,
	}
	globalMetrics, err := markDuplicates.Mark(ctx)
	if err != nil {
		log.Debug.Printf("Error marking duplicates: %v", err)
		writer.Close() // nolint: errcheck
		return err
	}
	if err := writer.Close(); err != nil {
		return errors.E(err, "close bam writer")
	}
	log.Printf("output digest %016x", writer.Digest())

	if opts.MetricsFile != "" {
		if err := writeMetrics(ctx, opts.MetricsFile, globalMetrics); err != nil {
			return err
		}
	}
	return nil
}
