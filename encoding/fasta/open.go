package fasta

import (
	"bytes"
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Reference is an indexed FASTA file opened with Open.
type Reference struct {
	Fasta
	in file.File
}

// Open opens the FASTA file at path for random access. It uses the
// index at path+".fai" when one exists and otherwise indexes the file
// once up front.
func Open(ctx context.Context, path string) (*Reference, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open reference", path)
	}
	var index bytes.Buffer
	if idx, err := file.Open(ctx, path+".fai"); err == nil {
		_, err = index.ReadFrom(idx.Reader(ctx))
		if cerr := idx.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			_ = in.Close(ctx)
			return nil, errors.E(err, "read reference index", path+".fai")
		}
	} else {
		log.Debug.Printf("%s.fai not found, indexing %s", path, path)
		if err := GenerateIndex(&index, in.Reader(ctx)); err != nil {
			_ = in.Close(ctx)
			return nil, errors.E(err, "index reference", path)
		}
	}
	fa, err := NewIndexed(in.Reader(ctx), &index)
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.E(err, "parse reference index", path)
	}
	return &Reference{Fasta: fa, in: in}, nil
}

// Base returns the upper-cased base of chrom at 0-based position pos.
func (r *Reference) Base(chrom string, pos int) (byte, error) {
	if pos < 0 {
		return 0, errors.E("negative reference position", chrom)
	}
	return Base(r.Fasta, chrom, uint64(pos))
}

// Close closes the underlying file.
func (r *Reference) Close(ctx context.Context) error {
	return r.in.Close(ctx)
}
