package markduplicates

import (
	"fmt"
)

func validate(opts *Opts) error {
	if opts.BamFile == "" {
		return fmt.Errorf("you must specify a bam file with --bam")
	}
	if opts.PartitionSize <= 0 {
		return fmt.Errorf("partition-size must be positive")
	}
	if opts.ClipPadding < 0 {
		return fmt.Errorf("clip-padding must be non-negative")
	}
	if opts.ClipPadding >= opts.PartitionSize {
		return fmt.Errorf("clip-padding must be less than partition-size")
	}
	if opts.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if opts.ReadBufferSize <= 0 {
		return fmt.Errorf("read-buffer-size must be positive")
	}
	if opts.FlushDistance <= 0 {
		return fmt.Errorf("flush-distance must be positive")
	}
	if opts.IndexFile == "" {
		opts.IndexFile = opts.BamFile + ".bai"
	}
	if len(opts.UmiFile) > 0 && !opts.UseUmis {
		return fmt.Errorf("umi-file is set, but use-umis is false")
	}
	if opts.UmiDuplex && len(opts.UmiDuplexDelim) != 1 {
		return fmt.Errorf("umi-duplex-delim must be a single character, got %q", opts.UmiDuplexDelim)
	}
	if err := opts.umiConfig().Validate(); err != nil {
		return err
	}
	return nil
}
