// Package fasta reads reference sequences from FASTA files, optionally
// using a samtools faidx index (http://www.htslib.org/doc/faidx.html) for
// random access. A FASTA file is a list of named sequences, each one
// possibly wrapped over many lines:
//
// >chr7
// ACGTAC
// GAGGAC
// GCG
// >chr8
// ACGT
//
// A sequence name is the text after '>' up to the first space, so
// '>chr1 A viral sequence' names 'chr1'.
package fasta

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Longest line accepted by New.
const maxLineSize = 1 << 28

// Fasta is a set of named sequences.
type Fasta interface {
	// Get returns the bases of seqName in the 0-based half-open interval
	// [start, end). Get is thread-safe.
	Get(seqName string, start, end uint64) (string, error)

	// Len returns the length of seqName.
	Len(seqName string) (uint64, error)

	// SeqNames returns the names of all sequences in file order.
	SeqNames() []string
}

type memFasta struct {
	seqs  map[string]string
	names []string
}

// New reads all of r into memory.
func New(r io.Reader) (Fasta, error) {
	f := &memFasta{seqs: map[string]string{}}
	var (
		name    string
		started bool
		seq     strings.Builder
	)
	commit := func() {
		if !started {
			return
		}
		f.seqs[name] = seq.String()
		f.names = append(f.names, name)
		seq.Reset()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if line[0] == '>' {
			commit()
			name, started = seqNameFromHeader(line), true
			continue
		}
		if !started {
			return nil, errors.Errorf("malformed FASTA file: sequence data before the first header")
		}
		seq.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	commit()
	return f, nil
}

func seqNameFromHeader(line string) string {
	return strings.Split(line[1:], " ")[0]
}

func (f *memFasta) Get(seqName string, start, end uint64) (string, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", seqName)
	}
	if err := checkRange(seqName, start, end, uint64(len(s))); err != nil {
		return "", err
	}
	return s[start:end], nil
}

func (f *memFasta) Len(seqName string) (uint64, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seqName)
	}
	return uint64(len(s)), nil
}

func (f *memFasta) SeqNames() []string { return f.names }

func checkRange(seqName string, start, end, length uint64) error {
	if end <= start {
		return errors.Errorf("start must be less than end")
	}
	if end > length {
		return errors.Errorf("end is past end of sequence %s: %d", seqName, length)
	}
	return nil
}

// Base returns the upper-cased base of seqName at 0-based position pos.
func Base(f Fasta, seqName string, pos uint64) (byte, error) {
	s, err := f.Get(seqName, pos, pos+1)
	if err != nil {
		return 0, err
	}
	b := s[0]
	if b >= 'a' && b <= 'z' {
		b -= 'a' - 'A'
	}
	return b, nil
}
