package main

/*
  dupcollapse groups duplicate fragments of a coordinate sorted BAM file
  and collapses each group into consensus reads, or marks it. For more
  information, see github.com/grailbio/dupcollapse/markduplicates/doc.go
*/

import (
	"flag"
	"runtime"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/dupcollapse/encoding/bamprovider"
	md "github.com/grailbio/dupcollapse/markduplicates"
)

var (
	bamFile         = flag.String("bam", "", "Input BAM filename, sorted by coordinate")
	indexFile       = flag.String("index", "", "Input BAM index filename. By default, set to input BAM filename + .bai")
	outputPath      = flag.String("output", "", "Output filename. By default, the BAM stream is written to stdout")
	referenceFile   = flag.String("reference", "", "FASTA reference, used to break base quality ties in consensus reads")
	metricsFile     = flag.String("metrics", "", "Output metrics file, gzip compressed if the name ends in .gz")
	parallelism     = flag.Int("parallelism", runtime.NumCPU(), "Number of references to process concurrently")
	partitionSize   = flag.Int("partition-size", md.DefaultOpts.PartitionSize, "Size of a partition in bases")
	padding         = flag.Int("clip-padding", md.DefaultOpts.ClipPadding, "padding in bp, this must be larger than the largest per-read clipping distance")
	readBuffer      = flag.Int("read-buffer", md.DefaultOpts.ReadBufferSize, "Number of records read from the input at a time")
	flushDistance   = flag.Int("flush-distance", md.DefaultOpts.FlushDistance, "Distance in bp between scans for finished duplicate groups")
	useUmis         = flag.Bool("use-umis", false, "use Umi information in read names for grouping duplicates")
	umiDuplex       = flag.Bool("umi-duplex", false, "UMIs are duplex: the two halves, split at umi-duplex-delim, may appear in either order")
	umiDuplexDelim  = flag.String("umi-duplex-delim", md.DefaultOpts.UmiDuplexDelim, "delimiter between the halves of a duplex UMI")
	umiEditDistance = flag.Int("umi-edit-distance", md.DefaultOpts.UmiEditDistance, "maximum number of substitutions between UMIs of one molecule")
	umiFile         = flag.String("umi-file", "", "perform UMI error correction with the known UMIs in this file")
	formConsensus   = flag.Bool("form-consensus", md.DefaultOpts.FormConsensus, "collapse duplicate groups into consensus reads; if false, duplicates are only marked")
	removeDups      = flag.Bool("remove-dups", false, "remove duplicates instead of flagging them")
	clearExisting   = flag.Bool("clear-existing", false, "clear existing duplicate flag before marking")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	// Validate parameters.
	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}

	opts := md.Opts{
		BamFile:         *bamFile,
		IndexFile:       *indexFile,
		OutputPath:      *outputPath,
		ReferenceFile:   *referenceFile,
		MetricsFile:     *metricsFile,
		Parallelism:     *parallelism,
		PartitionSize:   *partitionSize,
		ClipPadding:     *padding,
		ReadBufferSize:  *readBuffer,
		FlushDistance:   *flushDistance,
		ClearExisting:   *clearExisting,
		RemoveDups:      *removeDups,
		FormConsensus:   *formConsensus,
		UseUmis:         *useUmis,
		UmiDuplex:       *umiDuplex,
		UmiDuplexDelim:  *umiDuplexDelim,
		UmiEditDistance: *umiEditDistance,
		UmiFile:         *umiFile,
	}

	provider := bamprovider.NewProvider(opts.BamFile, bamprovider.ProviderOpts{Index: opts.IndexFile})
	ctx := vcontext.Background()
	err := md.SetupAndMark(ctx, provider, &opts)
	if err2 := provider.Close(); err == nil {
		err = err2
	}
	if err != nil {
		log.Fatalf(err.Error())
	}
	log.Debug.Printf("exiting")
}
